package domain

import (
	"errors"
	"fmt"
)

// ErrAmbiguousIdentity is returned when a record that carries only part of
// its identity matches more than one remote record.
var ErrAmbiguousIdentity = errors.New("identity matches more than one remote record")

// RecordIndex looks up remote records for incoming ones. Incoming files do not
// always carry every key column, so lookups fall back to the key fields the
// incoming record actually has.
type RecordIndex struct {
	scheme  IdentityScheme
	exact   map[string]Record
	primary map[string][]Record
}

// NewRecordIndex indexes records. The first record of a duplicated identity wins.
func NewRecordIndex(scheme IdentityScheme, records []Record) *RecordIndex {
	ix := &RecordIndex{
		scheme:  scheme,
		exact:   make(map[string]Record, len(records)),
		primary: make(map[string][]Record, len(records)),
	}
	for _, record := range records {
		key := scheme.Identity(record).Key()
		if _, seen := ix.exact[key]; seen {
			continue
		}
		ix.exact[key] = record
		id := record.Value(scheme.PrimaryIDField)
		ix.primary[id] = append(ix.primary[id], record)
	}
	return ix
}

// Resolve returns the remote record r refers to. An exact identity match wins.
// Otherwise the records sharing every key field r carries are considered:
// none means r is new, more than one is ErrAmbiguousIdentity.
func (ix *RecordIndex) Resolve(r Record) (Record, bool, error) {
	if match, ok := ix.exact[ix.scheme.Identity(r).Key()]; ok {
		return match, true, nil
	}
	matches := ix.Compatible(r)
	switch len(matches) {
	case 0:
		return Record{}, false, nil
	case 1:
		return matches[0], true, nil
	default:
		return Record{}, false, fmt.Errorf("%w: %s matches %d records", ErrAmbiguousIdentity, ix.scheme.Identity(r), len(matches))
	}
}

// Compatible returns the remote records with the primary id of r that agree
// with r on every other key field r carries. Key fields absent from r match
// any value.
func (ix *RecordIndex) Compatible(r Record) []Record {
	id := r.Value(ix.scheme.PrimaryIDField)
	if id == "" {
		return nil
	}
	var out []Record
	for _, candidate := range ix.primary[id] {
		if ix.agrees(r, candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

// Complete copies the key fields r lacks from match. r is returned unchanged
// when it already carries them.
func (ix *RecordIndex) Complete(r, match Record) Record {
	out := r
	cloned := false
	for _, field := range ix.scheme.KeyFields() {
		if r.Has(field) {
			continue
		}
		value, ok := match.Get(field)
		if !ok {
			continue
		}
		if !cloned {
			out = r.Clone()
			cloned = true
		}
		out.Set(field, value)
	}
	return out
}

func (ix *RecordIndex) agrees(r, other Record) bool {
	for _, field := range []string{ix.scheme.EventField, ix.scheme.RepeatInstrumentField, ix.scheme.RepeatInstanceField} {
		if field == "" {
			continue
		}
		if value, ok := r.Get(field); ok && !ValuesEqual(value, other.Value(field)) {
			return false
		}
	}
	return true
}
