// Package diff computes field-level changes between the remote record store's
// current state and an incoming batch of records.
package diff

import (
	"strings"
	"time"

	"github.com/rpattn/qcsync/internal/domain"
)

// DefaultReservedPrefix marks system and provenance fields that are never compared.
const DefaultReservedPrefix = "redcap_"

// Engine compares record collections joined on a composite key.
type Engine struct {
	// ReservedPrefix excludes fields whose name starts with it. Key fields are
	// always excluded regardless of prefix.
	ReservedPrefix string
	Scheme         domain.IdentityScheme
	Now            func() time.Time
}

// NewEngine returns an engine using the default identity scheme and reserved prefix.
func NewEngine() *Engine {
	return &Engine{
		ReservedPrefix: DefaultReservedPrefix,
		Scheme:         domain.DefaultIdentityScheme(),
		Now:            time.Now,
	}
}

// Compare returns one FieldChange per differing comparable field. Records that
// only exist in current produce nothing; records that only exist in incoming
// are compared against an empty record. Changes follow incoming order, then
// field order.
func (e *Engine) Compare(current, incoming []domain.Record, keyFields, excludeFields []string) []domain.FieldChange {
	now := e.now()

	currentByKey := make(map[string]domain.Record, len(current))
	for _, record := range current {
		key := domain.CompositeKey(record, keyFields)
		if _, seen := currentByKey[key]; !seen {
			currentByKey[key] = record
		}
	}

	fields := e.comparableFields(incoming, keyFields, excludeFields)

	var changes []domain.FieldChange
	for _, record := range incoming {
		existing := currentByKey[domain.CompositeKey(record, keyFields)]
		identity := e.Scheme.Identity(record)
		for _, field := range fields {
			newValue, present := record.Get(field)
			if !present {
				continue
			}
			oldValue := existing.Value(field)
			if domain.ValuesEqual(oldValue, newValue) {
				continue
			}
			changes = append(changes, domain.FieldChange{
				Identity:  identity,
				FieldName: field,
				OldValue:  strings.TrimSpace(oldValue),
				NewValue:  strings.TrimSpace(newValue),
				Timestamp: now,
			})
		}
	}
	return changes
}

// comparableFields lists incoming fields in first-seen order, without key,
// excluded and reserved fields.
func (e *Engine) comparableFields(incoming []domain.Record, keyFields, excludeFields []string) []string {
	skip := make(map[string]struct{}, len(keyFields)+len(excludeFields))
	for _, field := range keyFields {
		skip[field] = struct{}{}
	}
	for _, field := range excludeFields {
		skip[field] = struct{}{}
	}

	seen := map[string]struct{}{}
	var fields []string
	for _, record := range incoming {
		for _, field := range record.Fields() {
			if _, ok := seen[field]; ok {
				continue
			}
			seen[field] = struct{}{}
			if _, excluded := skip[field]; excluded {
				continue
			}
			if e.ReservedPrefix != "" && strings.HasPrefix(field, e.ReservedPrefix) {
				continue
			}
			fields = append(fields, field)
		}
	}
	return fields
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}
