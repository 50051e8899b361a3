package validator

import (
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FieldMetadata is one row of the remote data dictionary as returned by a
// metadata export.
type FieldMetadata struct {
	FieldName          string `json:"field_name"`
	FormName           string `json:"form_name"`
	FieldType          string `json:"field_type"`
	FieldLabel         string `json:"field_label,omitempty"`
	Choices            string `json:"select_choices_or_calculations,omitempty"`
	TextValidationType string `json:"text_validation_type_or_show_slider_number,omitempty"`
	TextValidationMin  string `json:"text_validation_min,omitempty"`
	TextValidationMax  string `json:"text_validation_max,omitempty"`
	RequiredField      string `json:"required_field,omitempty"`
}

// Required reports whether the dictionary marks the field as required.
func (f FieldMetadata) Required() bool {
	return strings.EqualFold(strings.TrimSpace(f.RequiredField), "y")
}

// ChoiceCodes parses "1, Yes | 2, No" style choices into their codes.
func (f FieldMetadata) ChoiceCodes() []string {
	if strings.TrimSpace(f.Choices) == "" {
		return nil
	}
	var codes []string
	for _, option := range strings.Split(f.Choices, "|") {
		code, _, _ := strings.Cut(option, ",")
		code = strings.TrimSpace(code)
		if code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
}

// DictionaryValidator checks flat records against a data dictionary.
type DictionaryValidator struct {
	fields map[string]FieldMetadata
	forms  map[string]struct{}
	// SystemPrefixes name fields the store manages itself; they are never
	// reported as unknown.
	SystemPrefixes []string
}

// NewDictionaryValidator indexes the dictionary rows by field name.
func NewDictionaryValidator(fields []FieldMetadata) *DictionaryValidator {
	v := &DictionaryValidator{
		fields:         make(map[string]FieldMetadata, len(fields)),
		forms:          map[string]struct{}{},
		SystemPrefixes: []string{"redcap_"},
	}
	for _, field := range fields {
		name := strings.TrimSpace(field.FieldName)
		if name == "" {
			continue
		}
		v.fields[name] = field
		if field.FormName != "" {
			v.forms[field.FormName] = struct{}{}
		}
	}
	return v
}

// Len is the number of dictionary fields.
func (v *DictionaryValidator) Len() int {
	return len(v.fields)
}

// ValidateProperties validates one record's values. Type and choice
// violations are errors; range violations and unknown fields are warnings.
func (v *DictionaryValidator) ValidateProperties(properties map[string]string) ValidationResult {
	result := ValidationResult{
		IsValid:  true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := strings.TrimSpace(properties[name])

		if base, code, isCheckbox := strings.Cut(name, "___"); isCheckbox {
			if def, ok := v.fields[base]; ok && def.FieldType == "checkbox" {
				if err := validateCheckbox(def, code, value); err != nil {
					result.addError(name, err.Error(), value)
				}
				continue
			}
		}

		def, known := v.fields[name]
		if !known {
			if !v.isSystemField(name) {
				result.Warnings = append(result.Warnings, ValidationError{
					Field:   name,
					Message: fmt.Sprintf("field '%s' is not defined in the data dictionary", name),
					Value:   value,
				})
			}
			continue
		}

		if value == "" {
			if def.Required() {
				result.addError(name, fmt.Sprintf("required field '%s' is empty", name), value)
			}
			continue
		}

		if err := validateFieldType(def, value); err != nil {
			result.addError(name, err.Error(), value)
			continue
		}
		if warning := validateRange(def, value); warning != "" {
			result.Warnings = append(result.Warnings, ValidationError{Field: name, Message: warning, Value: value})
		}
	}

	return result
}

func (r *ValidationResult) addError(field, message string, value any) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Value: value})
}

func (v *DictionaryValidator) isSystemField(name string) bool {
	for _, prefix := range v.SystemPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	if form, ok := strings.CutSuffix(name, "_complete"); ok {
		if _, exists := v.forms[form]; exists {
			return true
		}
	}
	return false
}

// validateFieldType validates the value against the field's type and text validation.
func validateFieldType(def FieldMetadata, value string) error {
	switch def.FieldType {
	case "yesno", "truefalse":
		if value != "0" && value != "1" {
			return fmt.Errorf("field '%s' must be 0 or 1, got %q", def.FieldName, value)
		}
	case "radio", "dropdown":
		codes := def.ChoiceCodes()
		if len(codes) > 0 && !contains(codes, value) {
			return fmt.Errorf("field '%s' must be one of %s, got %q", def.FieldName, strings.Join(codes, ", "), value)
		}
	case "calc", "descriptive", "file":
		return fmt.Errorf("field '%s' of type %s cannot be imported", def.FieldName, def.FieldType)
	case "text":
		return validateText(def, value)
	}
	return nil
}

func validateText(def FieldMetadata, value string) error {
	switch def.TextValidationType {
	case "integer":
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("field '%s' must be an integer, got %q", def.FieldName, value)
		}
	case "number":
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("field '%s' must be a number, got %q", def.FieldName, value)
		}
	case "date_ymd", "date_mdy", "date_dmy":
		if _, err := parseDate(def.TextValidationType, value); err != nil {
			return fmt.Errorf("field '%s' must be a date (%s): %v", def.FieldName, def.TextValidationType, err)
		}
	case "datetime_ymd", "datetime_seconds_ymd":
		if _, err := parseDate(def.TextValidationType, value); err != nil {
			return fmt.Errorf("field '%s' must be a datetime: %v", def.FieldName, err)
		}
	case "email":
		if _, err := mail.ParseAddress(value); err != nil {
			return fmt.Errorf("field '%s' must be an email address: %v", def.FieldName, err)
		}
	}
	return nil
}

// validateRange applies text_validation_min/max. The store treats ranges as
// soft limits, so violations are warnings.
func validateRange(def FieldMetadata, value string) string {
	if def.TextValidationMin == "" && def.TextValidationMax == "" {
		return ""
	}
	switch def.TextValidationType {
	case "integer", "number":
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return ""
		}
		if lo, err := strconv.ParseFloat(def.TextValidationMin, 64); err == nil && n < lo {
			return fmt.Sprintf("field '%s' value %s is below minimum %s", def.FieldName, value, def.TextValidationMin)
		}
		if hi, err := strconv.ParseFloat(def.TextValidationMax, 64); err == nil && n > hi {
			return fmt.Sprintf("field '%s' value %s is above maximum %s", def.FieldName, value, def.TextValidationMax)
		}
	case "date_ymd", "datetime_ymd", "datetime_seconds_ymd":
		t, err := parseDate(def.TextValidationType, value)
		if err != nil {
			return ""
		}
		if lo, err := parseDate(def.TextValidationType, def.TextValidationMin); err == nil && t.Before(lo) {
			return fmt.Sprintf("field '%s' value %s is before minimum %s", def.FieldName, value, def.TextValidationMin)
		}
		if hi, err := parseDate(def.TextValidationType, def.TextValidationMax); err == nil && t.After(hi) {
			return fmt.Sprintf("field '%s' value %s is after maximum %s", def.FieldName, value, def.TextValidationMax)
		}
	}
	return ""
}

func validateCheckbox(def FieldMetadata, code, value string) error {
	codes := def.ChoiceCodes()
	if len(codes) > 0 && !contains(codes, code) {
		return fmt.Errorf("checkbox '%s' has no option %q", def.FieldName, code)
	}
	if value != "" && value != "0" && value != "1" {
		return fmt.Errorf("checkbox '%s___%s' must be 0 or 1, got %q", def.FieldName, code, value)
	}
	return nil
}

var dateLayouts = map[string][]string{
	"date_ymd":             {"2006-01-02"},
	"date_mdy":             {"01-02-2006", "2006-01-02"},
	"date_dmy":             {"02-01-2006", "2006-01-02"},
	"datetime_ymd":         {"2006-01-02 15:04", "2006-01-02 15:04:05"},
	"datetime_seconds_ymd": {"2006-01-02 15:04:05"},
}

func parseDate(validation, value string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts[validation] {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("unsupported validation %q", validation)
	}
	return time.Time{}, lastErr
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
