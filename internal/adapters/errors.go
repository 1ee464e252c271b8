package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies why an adapter produced no observations.
type Kind string

const (
	KindTimeout           Kind = "TIMEOUT"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindAuthFailed        Kind = "AUTH_FAILED"
	KindNotSupported      Kind = "NOT_SUPPORTED"
	KindUpstreamEmpty     Kind = "UPSTREAM_EMPTY"
	KindUpstreamMalformed Kind = "UPSTREAM_MALFORMED"
	KindNetwork           Kind = "NETWORK"
)

// Transient reports whether the failure should silently fall through to the
// next adapter without recording a fetch incident. An upstream 429 is not
// transient here: the source actively refused us and that is worth a record.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindNetwork, KindUpstreamEmpty:
		return true
	}
	return false
}

// Error is the uniform adapter failure carrying its classification.
type Error struct {
	Kind      Kind
	SourceID  string
	SeriesKey string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s/%s: %v", e.Kind, e.SourceID, e.SeriesKey, e.Err)
	}
	return fmt.Sprintf("%s: %s/%s", e.Kind, e.SourceID, e.SeriesKey)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified adapter error.
func NewError(kind Kind, sourceID, seriesKey string, err error) *Error {
	return &Error{Kind: kind, SourceID: sourceID, SeriesKey: seriesKey, Err: err}
}

// KindOf extracts the classification from any error an adapter returned.
// Context and transport failures from the HTTP stack are classified too.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindNetwork
}
