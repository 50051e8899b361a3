// Package audit composes append-only history fields and persists change sets.
package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/qcsync/internal/domain"
)

// Default field names and timestamp layout.
const (
	DefaultHistoryField = "qc_results"
	DefaultStatusField  = "qc_status"
	DefaultLayout       = "2006-01-02 15:04:05"
)

// Composer appends "[timestamp] status actor;" entries to a history field.
// Entries are separated by a single space.
type Composer struct {
	HistoryField string
	StatusField  string
	Layout       string
	Now          func() time.Time
}

// NewComposer returns a composer with the default field names.
func NewComposer() *Composer {
	return &Composer{
		HistoryField: DefaultHistoryField,
		StatusField:  DefaultStatusField,
		Layout:       DefaultLayout,
		Now:          time.Now,
	}
}

// AppendAuditEntry returns a copy of candidate whose history field is the
// current remote history followed by a new entry. current may be the zero
// Record when the remote store has no such record yet. Other fields of the
// candidate pass through unchanged.
func (c *Composer) AppendAuditEntry(candidate, current domain.Record, actor string) domain.Record {
	history := current.Value(c.HistoryField)
	if history != "" {
		history += " "
	}
	out := candidate.Clone()
	out.Set(c.HistoryField, history+c.entry(candidate.Value(c.StatusField), actor))
	return out
}

// ComposeAll applies AppendAuditEntry to each candidate, pairing it with the
// current record it resolves to. Key fields the candidate lacks are copied
// from that record so the import lands on it. A candidate that matches more
// than one current record is a validation error.
func (c *Composer) ComposeAll(candidates, current []domain.Record, scheme domain.IdentityScheme, actor string) ([]domain.Record, error) {
	index := domain.NewRecordIndex(scheme, current)

	out := make([]domain.Record, 0, len(candidates))
	for idx, candidate := range candidates {
		match, found, err := index.Resolve(candidate)
		if err != nil {
			return nil, &domain.ValidationError{Index: idx, PrimaryID: candidate.Value(scheme.PrimaryIDField), Problems: []string{err.Error()}, Err: err}
		}
		if found {
			candidate = index.Complete(candidate, match)
		}
		out = append(out, c.AppendAuditEntry(candidate, match, actor))
	}
	return out, nil
}

func (c *Composer) entry(status, actor string) string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	layout := c.Layout
	if layout == "" {
		layout = DefaultLayout
	}
	parts := []string{"[" + now().Format(layout) + "]"}
	for _, part := range []string{strings.TrimSpace(status), strings.TrimSpace(actor)} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ") + ";"
}

// VerifyAppendOnly checks that composed extends previous without rewriting it.
func VerifyAppendOnly(previous, composed string) error {
	if len(composed) <= len(previous) {
		return fmt.Errorf("history did not grow (%d -> %d bytes)", len(previous), len(composed))
	}
	if !strings.HasPrefix(composed, previous) {
		return fmt.Errorf("history rewrites existing entries")
	}
	return nil
}

// VerifyAll checks every composed record against each current record it could
// overwrite: all records with the same primary id that agree on the key
// fields the composed record carries. Violations are validation errors.
func (c *Composer) VerifyAll(composed, current []domain.Record, scheme domain.IdentityScheme) error {
	index := domain.NewRecordIndex(scheme, current)
	for idx, record := range composed {
		history := record.Value(c.HistoryField)
		targets := index.Compatible(record)
		if len(targets) == 0 {
			targets = []domain.Record{{}}
		}
		for _, target := range targets {
			if err := VerifyAppendOnly(target.Value(c.HistoryField), history); err != nil {
				return &domain.ValidationError{
					Index:     idx,
					PrimaryID: record.Value(scheme.PrimaryIDField),
					Problems:  []string{fmt.Sprintf("%s: %v", scheme.Identity(target), err)},
				}
			}
		}
	}
	return nil
}

// VerifyHistoryUnchanged checks records sent without an audit entry. A record
// may omit the history field or repeat the remote value, but it may not set a
// different one on any current record it could overwrite.
func (c *Composer) VerifyHistoryUnchanged(records, current []domain.Record, scheme domain.IdentityScheme) error {
	index := domain.NewRecordIndex(scheme, current)
	for idx, record := range records {
		history, ok := record.Get(c.HistoryField)
		if !ok {
			continue
		}
		targets := index.Compatible(record)
		if len(targets) == 0 {
			targets = []domain.Record{{}}
		}
		for _, target := range targets {
			if !domain.ValuesEqual(history, target.Value(c.HistoryField)) {
				return &domain.ValidationError{
					Index:     idx,
					PrimaryID: record.Value(scheme.PrimaryIDField),
					Problems:  []string{fmt.Sprintf("%s: %s would be overwritten", scheme.Identity(target), c.HistoryField)},
				}
			}
		}
	}
	return nil
}
