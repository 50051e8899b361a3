package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/qcsync/internal/domain"
)

const marker = "qc_last_run"

func newGuard(policy Policy) *Guard {
	return NewGuard(domain.DefaultIdentityScheme(), policy, nil)
}

func remote(ptid, run string) domain.Record {
	return domain.NewRecord("ptid", ptid, "redcap_event_name", "baseline", marker, run, "qc_status", "1")
}

func TestFilterNewExcludesSameMarker(t *testing.T) {
	current := []domain.Record{remote("P1", "01JAN2025")}
	candidates := []domain.Record{remote("P1", "01JAN2025")}

	assert.Empty(t, newGuard(PolicyMarker).FilterNew(candidates, current, marker, false))
}

func TestFilterNewIncludesDifferentMarker(t *testing.T) {
	current := []domain.Record{remote("P1", "01JAN2025")}
	candidates := []domain.Record{remote("P1", "02JAN2025")}

	included := newGuard(PolicyMarker).FilterNew(candidates, current, marker, false)
	require.Len(t, included, 1)
	assert.Equal(t, "02JAN2025", included[0].Value(marker))
}

func TestFilterNewIncludesUnknownIdentity(t *testing.T) {
	current := []domain.Record{remote("P1", "01JAN2025")}
	candidates := []domain.Record{remote("P2", "01JAN2025")}

	assert.Len(t, newGuard(PolicyMarker).FilterNew(candidates, current, marker, false), 1)
}

func TestFilterNewForceIncludesEverything(t *testing.T) {
	current := []domain.Record{remote("P1", "01JAN2025")}
	candidates := []domain.Record{remote("P1", "01JAN2025"), remote("P1", "02JAN2025")}

	assert.Len(t, newGuard(PolicyMarker).FilterNew(candidates, current, marker, true), 2)
}

func TestFilterFailsOpenForUnjudgeableCandidates(t *testing.T) {
	current := []domain.Record{remote("P1", "01JAN2025")}
	candidates := []domain.Record{
		domain.NewRecord("ptid", "P1", "qc_status", "2"),
		domain.NewRecord("ptid", "", marker, "01JAN2025"),
	}

	result := newGuard(PolicyMarker).Filter(FilterRequest{Candidates: candidates, Current: current, RunMarkerField: marker})
	assert.Len(t, result.Included, 2)
	require.Len(t, result.Unjudgeable, 2)
	assert.Equal(t, []string{"missing qc_last_run"}, result.Unjudgeable[0].Problems)
	assert.Equal(t, 1, result.Unjudgeable[1].Index)
	assert.Equal(t, []string{"missing ptid"}, result.Unjudgeable[1].Problems)
}

func TestFilterIgnoresRemoteRecordsWithoutMarker(t *testing.T) {
	current := []domain.Record{domain.NewRecord("ptid", "P1", "qc_status", "1")}
	candidates := []domain.Record{remote("P1", "01JAN2025")}

	assert.Len(t, newGuard(PolicyMarker).FilterNew(candidates, current, marker, false), 1)
}

func TestFilterPolicyOnReusedMarker(t *testing.T) {
	current := []domain.Record{remote("P1", "01JAN2025")}
	candidate := remote("P1", "01JAN2025")
	candidate.Set("qc_status", "2")
	changes := []domain.FieldChange{{
		Identity:  domain.RecordIdentity{PrimaryID: "P1", EventName: "baseline"},
		FieldName: "qc_status",
		OldValue:  "1",
		NewValue:  "2",
	}}
	req := FilterRequest{Candidates: []domain.Record{candidate}, Current: current, RunMarkerField: marker, Changes: changes}

	markerOnly := newGuard(PolicyMarker).Filter(req)
	assert.Empty(t, markerOnly.Included)
	assert.Len(t, markerOnly.Skipped, 1)
	assert.Equal(t, 1, markerOnly.SkippedWithChanges)

	withContent := newGuard(PolicyMarkerOrContent).Filter(req)
	assert.Len(t, withContent.Included, 1)
	assert.Zero(t, withContent.SkippedWithChanges)
}

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyMarker, policy)

	policy, err = ParsePolicy("marker-or-content")
	require.NoError(t, err)
	assert.Equal(t, PolicyMarkerOrContent, policy)

	_, err = ParsePolicy("content")
	assert.Error(t, err)
}
