package memlog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// Mode selects how strictly a memory log is validated.
type Mode string

const (
	// ModeStrict fails on any error or warning.
	ModeStrict Mode = "strict"
	// ModeLenient fails on errors only; warnings are recorded but never block.
	ModeLenient Mode = "lenient"
	// ModeAudit never blocks; errors and warnings are recorded for review.
	ModeAudit Mode = "audit"
)

// ValidationResult reports the outcome of validating one memory log.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Mode     Mode     `json:"mode"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) finalize() *ValidationResult {
	switch r.Mode {
	case ModeAudit:
		r.Valid = true
	case ModeLenient:
		r.Valid = len(r.Errors) == 0
	default:
		r.Valid = len(r.Errors) == 0 && len(r.Warnings) == 0
	}
	return r
}

// requiredSections must appear in every memory log.
var requiredSections = []string{"Summary", "Details", "Output", "Issues", "Next Steps"}

// conditionalSections are required iff the corresponding frontmatter flag
// is true.
var conditionalSections = map[string]string{
	"compatibility_issues": "Compatibility Concerns",
	"ad_hoc_delegation":    "Ad-Hoc Agent Delegation",
	"important_findings":   "Important Findings",
}

// canonicalStatuses are the values the file-format contract allows for the
// frontmatter status field, keyed by normalized form.
var canonicalStatuses = map[string]bool{
	"completed":  true,
	"partial":    true,
	"blocked":    true,
	"error":      true,
	"inprogress": true,
}

// Validator checks memory logs against the file-format contract.
type Validator struct {
	mode Mode
}

// NewValidator creates a validator. An empty mode defaults to strict.
func NewValidator(mode Mode) *Validator {
	if mode == "" {
		mode = ModeStrict
	}
	return &Validator{mode: mode}
}

// Mode returns the validator's strictness mode.
func (v *Validator) Mode() Mode {
	return v.mode
}

// ValidateFile reads and validates one memory log. The error return covers
// I/O only; contract violations land in the result.
func (v *Validator) ValidateFile(path string) (*ValidationResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory log: %w", err)
	}
	return v.Validate(string(raw)), nil
}

// Validate checks memory-log content against the contract.
func (v *Validator) Validate(content string) *ValidationResult {
	result := &ValidationResult{Mode: v.mode}

	front, body, err := splitFrontmatter(content)
	if err != nil {
		result.addError("missing or malformed frontmatter block")
		return result.finalize()
	}

	var fields map[string]any
	if err := yaml.Unmarshal([]byte(front), &fields); err != nil {
		result.addError("frontmatter is not valid YAML: %v", err)
		return result.finalize()
	}

	v.checkFrontmatter(fields, result)
	v.checkSections(fields, body, result)
	return result.finalize()
}

func (v *Validator) checkFrontmatter(fields map[string]any, result *ValidationResult) {
	for _, name := range []string{"agent", "task_ref", "status"} {
		raw, ok := fields[name]
		if !ok || raw == nil {
			result.addError("missing required frontmatter field: %s", name)
			continue
		}
		value, ok := raw.(string)
		if !ok {
			result.addError("frontmatter field %s must be a string", name)
			continue
		}
		if strings.TrimSpace(value) == "" {
			result.addError("missing required frontmatter field: %s", name)
		}
	}

	if raw, ok := fields["status"].(string); ok && strings.TrimSpace(raw) != "" {
		key := strings.ToLower(raw)
		for _, cut := range []string{" ", "_", "-"} {
			key = strings.ReplaceAll(key, cut, "")
		}
		if !canonicalStatuses[key] {
			result.addError("status %q is not one of Completed, Partial, Blocked, Error, InProgress", raw)
		}
	}

	for flag := range conditionalSections {
		raw, ok := fields[flag]
		if !ok || raw == nil {
			continue
		}
		if _, ok := raw.(bool); !ok {
			result.addError("frontmatter field %s must be a boolean", flag)
		}
	}
}

func (v *Validator) checkSections(fields map[string]any, body string, result *ValidationResult) {
	sections := parseSections(body)

	names := make([]string, 0, len(requiredSections)+len(conditionalSections))
	names = append(names, requiredSections...)
	for flag, name := range conditionalSections {
		if enabled, ok := fields[flag].(bool); ok && enabled {
			names = append(names, name)
		}
	}

	for _, name := range names {
		section := findSection(sections, name)
		if section == nil {
			result.addError("missing required section: %s", name)
			continue
		}
		if section.Level > 2 {
			result.addWarning("section %s uses level-%d header, expected ##", name, section.Level)
		}
	}

	if status, ok := fields["status"].(string); ok {
		if normalized, _ := NormalizeStatus(status); normalized == v1.TaskStatusCompleted {
			if output := findSection(sections, "Output"); output != nil && output.Content == "" {
				result.addWarning("status is Completed but the Output section is empty")
			}
		}
	}
}
