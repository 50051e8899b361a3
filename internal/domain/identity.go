package domain

import "strings"

// RecordIdentity is the composite key that identifies a record in the remote store.
type RecordIdentity struct {
	PrimaryID        string `json:"primary_id"`
	EventName        string `json:"event_name,omitempty"`
	RepeatInstrument string `json:"repeat_instrument,omitempty"`
	RepeatInstance   string `json:"repeat_instance,omitempty"`
}

// Key returns a stable join key for the identity.
func (id RecordIdentity) Key() string {
	return strings.Join([]string{id.PrimaryID, id.EventName, id.RepeatInstrument, id.RepeatInstance}, "\x1f")
}

func (id RecordIdentity) String() string {
	parts := []string{id.PrimaryID}
	for _, part := range []string{id.EventName, id.RepeatInstrument, id.RepeatInstance} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "/")
}

// IdentityScheme names the fields that make up a record identity. Empty names
// are not part of the identity.
type IdentityScheme struct {
	PrimaryIDField        string
	EventField            string
	RepeatInstrumentField string
	RepeatInstanceField   string
}

// DefaultIdentityScheme matches the remote store's longitudinal field names.
func DefaultIdentityScheme() IdentityScheme {
	return IdentityScheme{
		PrimaryIDField:        "ptid",
		EventField:            "redcap_event_name",
		RepeatInstrumentField: "redcap_repeat_instrument",
		RepeatInstanceField:   "redcap_repeat_instance",
	}
}

// KeyFields returns the configured identity field names in key order.
func (s IdentityScheme) KeyFields() []string {
	fields := make([]string, 0, 4)
	for _, name := range []string{s.PrimaryIDField, s.EventField, s.RepeatInstrumentField, s.RepeatInstanceField} {
		if name != "" {
			fields = append(fields, name)
		}
	}
	return fields
}

// IsKeyField reports whether name is one of the identity fields.
func (s IdentityScheme) IsKeyField(name string) bool {
	if name == "" {
		return false
	}
	return name == s.PrimaryIDField || name == s.EventField || name == s.RepeatInstrumentField || name == s.RepeatInstanceField
}

// Identity extracts the identity of r. Absent fields yield empty parts.
func (s IdentityScheme) Identity(r Record) RecordIdentity {
	id := RecordIdentity{PrimaryID: r.Value(s.PrimaryIDField)}
	if s.EventField != "" {
		id.EventName = r.Value(s.EventField)
	}
	if s.RepeatInstrumentField != "" {
		id.RepeatInstrument = r.Value(s.RepeatInstrumentField)
	}
	if s.RepeatInstanceField != "" {
		id.RepeatInstance = r.Value(s.RepeatInstanceField)
	}
	return id
}

// CompositeKey joins the values of keyFields in r into a single lookup key.
func CompositeKey(r Record, keyFields []string) string {
	parts := make([]string, len(keyFields))
	for i, field := range keyFields {
		parts[i] = r.Value(field)
	}
	return strings.Join(parts, "\x1f")
}
