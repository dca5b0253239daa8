package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity separates issues that block saving a workflow from
// advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow definition. Path
// points into the definition, e.g. "actions[2].config.title".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of one validation pass. A result
// with warnings only is still valid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

func (r *ValidationResult) add(issue ValidationIssue) {
	if issue.Severity == SeverityWarning {
		r.Warnings = append(r.Warnings, issue)
		return
	}
	r.Errors = append(r.Errors, issue)
}

// Merge appends other's issues. A nil other is a no-op.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for _, is := range other.Errors {
		r.add(is)
	}
	for _, is := range other.Warnings {
		r.add(is)
	}
}

// ToError returns nil for a valid result, otherwise a VALIDATION
// AutomationError naming the first error and carrying every issue in its
// details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := r.Errors[0].String()
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, n-1)
	}
	return NewError(ErrCodeValidation, "invalid workflow: "+msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}

// Summary renders every issue on its own line, errors first.
func (r *ValidationResult) Summary() string {
	var b strings.Builder
	for _, is := range r.Errors {
		fmt.Fprintf(&b, "error: %s\n", is)
	}
	for _, is := range r.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", is)
	}
	return b.String()
}
