// Package idempotency decides which candidate records represent new work.
package idempotency

import (
	"fmt"
	"log/slog"

	"github.com/rpattn/qcsync/internal/domain"
)

// Policy selects how duplicate submissions are detected.
type Policy string

const (
	// PolicyMarker includes a candidate only when its run marker differs from the
	// remote one. Field changes under an unchanged marker are not re-sent.
	PolicyMarker Policy = "marker"
	// PolicyMarkerOrContent also includes candidates whose fields differ from the
	// remote record even though the marker is unchanged.
	PolicyMarkerOrContent Policy = "marker-or-content"
)

// ParsePolicy validates a configured policy name. Empty selects PolicyMarker.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(value) {
	case "", PolicyMarker:
		return PolicyMarker, nil
	case PolicyMarkerOrContent:
		return PolicyMarkerOrContent, nil
	default:
		return "", fmt.Errorf("unknown dedupe policy %q", value)
	}
}

// Guard filters candidate records against the remote run markers.
type Guard struct {
	Scheme domain.IdentityScheme
	Policy Policy
	logger *slog.Logger
}

// NewGuard creates a guard. A nil logger falls back to slog.Default().
func NewGuard(scheme domain.IdentityScheme, policy Policy, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = PolicyMarker
	}
	return &Guard{Scheme: scheme, Policy: policy, logger: logger}
}

// FilterRequest carries the inputs of one dedupe pass.
type FilterRequest struct {
	Candidates     []domain.Record
	Current        []domain.Record
	RunMarkerField string
	Force          bool
	// Changes are the diff results for the candidates. They drive the
	// marker-or-content policy and the reused-marker warning.
	Changes []domain.FieldChange
}

// FilterResult partitions the candidates. Included preserves candidate order.
type FilterResult struct {
	Included []domain.Record
	Skipped  []domain.Record
	// Unjudgeable lists included candidates that lacked a primary id or marker.
	Unjudgeable []*domain.ValidationError
	// SkippedWithChanges counts skipped candidates that still had field changes.
	SkippedWithChanges int
}

// Filter applies the guard. With Force set every candidate is included.
func (g *Guard) Filter(req FilterRequest) FilterResult {
	result := FilterResult{}
	if req.Force {
		result.Included = append(result.Included, req.Candidates...)
		g.logger.Info("dedupe bypassed", "candidates", len(req.Candidates))
		return result
	}

	markers := g.remoteMarkers(req.Current, req.RunMarkerField)
	changed := domain.ChangedIdentities(req.Changes)

	for idx, candidate := range req.Candidates {
		primaryID := candidate.Value(g.Scheme.PrimaryIDField)
		marker := candidate.Value(req.RunMarkerField)

		if primaryID == "" || marker == "" {
			result.Included = append(result.Included, candidate)
			result.Unjudgeable = append(result.Unjudgeable, missingFields(idx, primaryID, marker, g.Scheme.PrimaryIDField, req.RunMarkerField))
			continue
		}

		remote, known := markers[primaryID]
		if !known || remote != marker {
			result.Included = append(result.Included, candidate)
			continue
		}

		_, hasChanges := changed[g.Scheme.Identity(candidate).Key()]
		if hasChanges && g.Policy == PolicyMarkerOrContent {
			result.Included = append(result.Included, candidate)
			continue
		}

		if hasChanges {
			result.SkippedWithChanges++
		}
		result.Skipped = append(result.Skipped, candidate)
		g.logger.Debug("record already uploaded", "identity", g.Scheme.Identity(candidate).String(), "marker", marker)
	}

	if result.SkippedWithChanges > 0 {
		g.logger.Warn("records skipped with unchanged run marker but changed fields; use force or the marker-or-content policy to send them",
			"records", result.SkippedWithChanges, "marker_field", req.RunMarkerField)
	}
	return result
}

// FilterNew returns only the records to upload.
func (g *Guard) FilterNew(candidates, current []domain.Record, runMarkerField string, force bool) []domain.Record {
	return g.Filter(FilterRequest{
		Candidates:     candidates,
		Current:        current,
		RunMarkerField: runMarkerField,
		Force:          force,
	}).Included
}

// remoteMarkers maps primary id to run marker. Records without either are
// ignored, and later records override earlier ones.
func (g *Guard) remoteMarkers(current []domain.Record, markerField string) map[string]string {
	markers := make(map[string]string, len(current))
	for _, record := range current {
		primaryID := record.Value(g.Scheme.PrimaryIDField)
		marker := record.Value(markerField)
		if primaryID == "" || marker == "" {
			continue
		}
		markers[primaryID] = marker
	}
	return markers
}

func missingFields(idx int, primaryID, marker, primaryField, markerField string) *domain.ValidationError {
	verr := &domain.ValidationError{Index: idx, PrimaryID: primaryID}
	if primaryID == "" {
		verr.Problems = append(verr.Problems, "missing "+primaryField)
	}
	if marker == "" {
		verr.Problems = append(verr.Problems, "missing "+markerField)
	}
	return verr
}
