package validator

import (
	"testing"
)

func testDictionary() []FieldMetadata {
	return []FieldMetadata{
		{FieldName: "ptid", FormName: "qc_status", FieldType: "text", RequiredField: "y"},
		{FieldName: "qc_status", FormName: "qc_status", FieldType: "radio", Choices: "1, Passed | 2, Failed | 3, Pending"},
		{FieldName: "qc_visit_date", FormName: "qc_status", FieldType: "text", TextValidationType: "date_ymd", TextValidationMin: "2000-01-01"},
		{FieldName: "qc_score", FormName: "qc_status", FieldType: "text", TextValidationType: "integer", TextValidationMax: "100"},
		{FieldName: "qc_reviewed", FormName: "qc_status", FieldType: "yesno"},
		{FieldName: "qc_flags", FormName: "qc_status", FieldType: "checkbox", Choices: "a, Missing | b, Late"},
		{FieldName: "qc_results", FormName: "qc_status", FieldType: "notes"},
	}
}

func TestDictionaryValidatorAcceptsValidRecord(t *testing.T) {
	v := NewDictionaryValidator(testDictionary())

	result := v.ValidateProperties(map[string]string{
		"ptid":               "P1",
		"redcap_event_name":  "baseline_arm_1",
		"qc_status":          "2",
		"qc_visit_date":      "2025-01-02",
		"qc_score":           "87",
		"qc_reviewed":        "1",
		"qc_flags___a":       "1",
		"qc_results":         "[2025-01-02 10:00:00] 2 AB;",
		"qc_status_complete": "2",
	})

	if !result.IsValid {
		t.Fatalf("expected record to be valid, got errors: %+v", result.Errors)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %+v", result.Warnings)
	}
}

func TestDictionaryValidatorReportsTypeErrors(t *testing.T) {
	v := NewDictionaryValidator(testDictionary())

	result := v.ValidateProperties(map[string]string{
		"ptid":          "",
		"qc_status":     "9",
		"qc_visit_date": "02/01/2025",
		"qc_score":      "high",
		"qc_reviewed":   "yes",
		"qc_flags___z":  "1",
	})

	if result.IsValid {
		t.Fatalf("expected record to be invalid")
	}
	if len(result.Errors) != 6 {
		t.Fatalf("expected 6 errors, got %d: %+v", len(result.Errors), result.Errors)
	}
}

func TestDictionaryValidatorWarnings(t *testing.T) {
	v := NewDictionaryValidator(testDictionary())

	result := v.ValidateProperties(map[string]string{
		"ptid":          "P1",
		"qc_visit_date": "1999-12-31",
		"qc_score":      "101",
		"unexpected":    "x",
	})

	if !result.IsValid {
		t.Fatalf("range violations must not invalidate the record: %+v", result.Errors)
	}
	if len(result.Warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %d: %+v", len(result.Warnings), result.Warnings)
	}
}

func TestChoiceCodes(t *testing.T) {
	codes := FieldMetadata{Choices: "1, Yes | 0, No|  , blank"}.ChoiceCodes()
	if len(codes) != 2 || codes[0] != "1" || codes[1] != "0" {
		t.Fatalf("unexpected choice codes %v", codes)
	}
}
