package model

import (
	"time"

	"github.com/google/uuid"
)

// IncidentKind classifies an incident record.
type IncidentKind string

const (
	IncidentFetchFail        IncidentKind = "FETCH_FAIL"
	IncidentValidationFail   IncidentKind = "VALIDATION_FAIL"
	IncidentStale            IncidentKind = "STALE"
	IncidentCoverageDegraded IncidentKind = "COVERAGE_DEGRADED"
	IncidentEscalation       IncidentKind = "ESCALATION"
)

// ScopeGlobal is the scope used for incidents not tied to one series or source.
const ScopeGlobal = "global"

// Incident is an append-only record of a data-plane fault. Only ResolvedAt
// is ever set after creation.
type Incident struct {
	ID         string       `json:"incident_id" db:"incident_id"`
	SeriesKey  string       `json:"series_key,omitempty" db:"series_key"`
	SourceID   string       `json:"source_id,omitempty" db:"source_id"`
	Kind       IncidentKind `json:"kind" db:"kind"`
	DetectedAt time.Time    `json:"detected_at" db:"detected_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
	Detail     string       `json:"detail" db:"detail"`
}

// NewIncident builds an incident with a fresh id and detection time.
func NewIncident(kind IncidentKind, seriesKey, sourceID, detail string) Incident {
	return Incident{
		ID:         uuid.New().String(),
		SeriesKey:  seriesKey,
		SourceID:   sourceID,
		Kind:       kind,
		DetectedAt: time.Now().UTC(),
		Detail:     detail,
	}
}

// Scope returns the series key, else the source id, else "global".
func (i *Incident) Scope() string {
	if i.SeriesKey != "" {
		return i.SeriesKey
	}
	if i.SourceID != "" {
		return i.SourceID
	}
	return ScopeGlobal
}

// Open reports whether the incident has not been resolved yet.
func (i *Incident) Open() bool { return i.ResolvedAt == nil }
