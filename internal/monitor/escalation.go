package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlens/dataplane/internal/model"
)

// flagFile marks an open escalation. Its contents are the incident id so an
// external healer can correlate.
const flagFile = "ESCALATION.flag"

// diagnosisFile is the generated plain-text diagnosis next to the flag.
const diagnosisFile = "DIAGNOSIS.txt"

// escalateOrResolve drives the at-most-one-open escalation state machine:
// emit once when the rule trips, stay silent while open, resolve and clean
// up the artifacts once the plane recovers.
func (m *Monitor) escalateOrResolve(ctx context.Context, snap Snapshot, failingCritical []string) {
	open, err := m.store.OpenEscalation(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query open escalation")
		return
	}

	shouldEscalate := snap.Coverage < m.cfg.Monitor.CoverageThreshold || len(failingCritical) > 0

	switch {
	case shouldEscalate && open == nil:
		m.escalate(ctx, snap, failingCritical)
	case shouldEscalate && open != nil:
		// Already signalled; re-emitting would break the single-open contract.
	case !shouldEscalate && open != nil:
		if err := m.store.ResolveIncident(ctx, open.ID); err != nil {
			log.Error().Err(err).Str("incident_id", open.ID).Msg("Failed to resolve escalation")
			return
		}
		m.removeArtifacts()
		log.Info().Str("incident_id", open.ID).Float64("coverage", snap.Coverage).
			Msg("Escalation resolved")
	}
}

func (m *Monitor) escalate(ctx context.Context, snap Snapshot, failingCritical []string) {
	var failed []string
	for key, state := range snap.States {
		if state == StateFail {
			failed = append(failed, key)
		}
	}
	sort.Strings(failed)

	detail := fmt.Sprintf("coverage=%.2f failed=[%s] critical=[%s]",
		snap.Coverage, strings.Join(failed, " "), strings.Join(failingCritical, " "))
	inc := model.NewIncident(model.IncidentEscalation, "", "", detail)
	m.store.RecordIncident(ctx, inc)

	if err := m.writeArtifacts(ctx, &inc, snap, failed); err != nil {
		log.Error().Err(err).Msg("Failed to write escalation artifacts")
	}
	log.Error().Str("incident_id", inc.ID).Float64("coverage", snap.Coverage).
		Strs("critical_failing", failingCritical).
		Msg("ESCALATION: data plane degraded")
}

// writeArtifacts drops the flag file and the diagnosis document into the
// configured directory, overwriting leftovers from a prior escalation.
func (m *Monitor) writeArtifacts(ctx context.Context, inc *model.Incident, snap Snapshot, failed []string) error {
	dir := m.cfg.Monitor.EscalationDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create escalation dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, flagFile), []byte(inc.ID+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write flag file: %w", err)
	}
	doc := m.diagnosis(ctx, inc, snap, failed)
	if err := os.WriteFile(filepath.Join(dir, diagnosisFile), []byte(doc), 0o644); err != nil {
		return fmt.Errorf("failed to write diagnosis: %w", err)
	}
	return nil
}

func (m *Monitor) removeArtifacts() {
	dir := m.cfg.Monitor.EscalationDir
	for _, name := range []string{flagFile, diagnosisFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", name).Msg("Failed to remove escalation artifact")
		}
	}
}

// diagnosis renders the plain-text document: what failed, per-category
// coverage, and the incident tail leading up to the escalation.
func (m *Monitor) diagnosis(ctx context.Context, inc *model.Incident, snap Snapshot, failed []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DATA PLANE ESCALATION\n")
	fmt.Fprintf(&b, "incident_id: %s\n", inc.ID)
	fmt.Fprintf(&b, "detected_at: %s\n", inc.DetectedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "coverage:    %.2f (threshold %.2f)\n\n",
		snap.Coverage, m.cfg.Monitor.CoverageThreshold)

	fmt.Fprintf(&b, "failing series (%d):\n", len(failed))
	for _, key := range failed {
		series, _ := m.cfg.SeriesByKey(key)
		line := "  " + key
		if series != nil {
			line += fmt.Sprintf(" [%s, adapters: %s]", series.Category, strings.Join(series.Adapters, " -> "))
			if series.Critical {
				line += " CRITICAL"
			}
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\ncoverage by category:\n")
	cats := make([]string, 0, len(snap.ByCategory))
	for cat := range snap.ByCategory {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		fmt.Fprintf(&b, "  %-12s %.2f\n", cat, snap.ByCategory[cat])
	}

	b.WriteString("\nrecent incidents:\n")
	recent, err := m.store.Incidents(ctx, time.Now().Add(-time.Hour), 50)
	if err != nil {
		fmt.Fprintf(&b, "  (unavailable: %v)\n", err)
		return b.String()
	}
	for _, r := range recent {
		if r.Kind == model.IncidentEscalation {
			continue
		}
		fmt.Fprintf(&b, "  %s %-18s %-20s %s\n",
			r.DetectedAt.Format(time.RFC3339), r.Kind, r.Scope(), r.Detail)
	}
	return b.String()
}
