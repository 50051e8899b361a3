package domain

import (
	"strings"
	"testing"
)

func TestRecordStateCanonicalText(t *testing.T) {
	state := RecordState{
		Identity: RecordIdentity{PrimaryID: "P1", EventName: "baseline"},
		Fields:   NewRecord("qc_status", "2", "ptid", "P1", "qc_notes", ""),
	}

	lines := state.CanonicalText()
	expected := []string{
		"Identity: P1/baseline",
		"Fields:",
		"  ptid: \"P1\"",
		"  qc_notes: \"\"",
		"  qc_status: \"2\"",
	}

	if len(lines) != len(expected) {
		t.Fatalf("expected %d canonical lines, got %d\n%v", len(expected), len(lines), lines)
	}
	for idx, line := range expected {
		if lines[idx] != line {
			t.Errorf("line %d mismatch: expected %q got %q", idx, line, lines[idx])
		}
	}
}

func TestDiffRecords(t *testing.T) {
	identity := RecordIdentity{PrimaryID: "P1", EventName: "baseline"}
	base := RecordState{Identity: identity, Fields: NewRecord("ptid", "P1", "qc_status", "1")}
	target := RecordState{Identity: identity, Fields: NewRecord("ptid", "P1", "qc_status", "2")}

	diff := DiffRecords("remote", &base, "upload", &target)

	if !strings.HasPrefix(diff, "--- remote\n+++ upload\n") {
		t.Fatalf("unexpected diff header:\n%s", diff)
	}
	if !strings.Contains(diff, "-  qc_status: \"1\"") {
		t.Errorf("expected removal line in diff:\n%s", diff)
	}
	if !strings.Contains(diff, "+  qc_status: \"2\"") {
		t.Errorf("expected addition line in diff:\n%s", diff)
	}
	if !strings.Contains(diff, "   ptid: \"P1\"") {
		t.Errorf("expected unchanged context line in diff:\n%s", diff)
	}
}

func TestDiffRecordsAgainstMissingBase(t *testing.T) {
	target := RecordState{Identity: RecordIdentity{PrimaryID: "P2"}, Fields: NewRecord("ptid", "P2")}

	diff := DiffRecords("remote", nil, "upload", &target)

	for _, line := range splitLines(diff)[3:] {
		if !strings.HasPrefix(line, "+") {
			t.Fatalf("expected only additions against empty base, got %q", line)
		}
	}
}
