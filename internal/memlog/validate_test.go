package memlog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validLog = `---
agent: backend-1
task_ref: "Task 2.1"
status: Completed
---

## Summary
Done.

## Details
All of it.

## Output
- pkg/thing/thing.go

## Issues
- None

## Next Steps
- Nothing.
`

func TestValidator_ValidLogPasses(t *testing.T) {
	result := NewValidator(ModeStrict).Validate(validLog)

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidator_MissingFrontmatterFails(t *testing.T) {
	result := NewValidator(ModeStrict).Validate("## Summary\nno header\n")

	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "frontmatter")
}

func TestValidator_MissingRequiredFields(t *testing.T) {
	result := NewValidator(ModeStrict).Validate(`---
agent: backend-1
---

## Summary
x

## Details
x

## Output
x

## Issues
x

## Next Steps
x
`)

	assert.False(t, result.Valid)
	joined := strings.Join(result.Errors, "; ")
	assert.Contains(t, joined, "task_ref")
	assert.Contains(t, joined, "status")
	assert.NotContains(t, joined, "field: agent")
}

func TestValidator_InvalidStatusValue(t *testing.T) {
	content := strings.Replace(validLog, "status: Completed", "status: Shipped", 1)
	result := NewValidator(ModeStrict).Validate(content)

	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "Shipped")
}

func TestValidator_BooleanFlagTypeChecked(t *testing.T) {
	content := strings.Replace(validLog, "status: Completed",
		"status: Completed\nimportant_findings: \"yes\"", 1)
	result := NewValidator(ModeStrict).Validate(content)

	assert.False(t, result.Valid)
	joined := strings.Join(result.Errors, "; ")
	assert.Contains(t, joined, "important_findings")
	assert.Contains(t, joined, "boolean")
}

func TestValidator_MissingSectionFails(t *testing.T) {
	content := strings.Replace(validLog, "## Details\nAll of it.\n", "", 1)
	result := NewValidator(ModeStrict).Validate(content)

	assert.False(t, result.Valid)
	joined := strings.Join(result.Errors, "; ")
	assert.Contains(t, joined, "Details")
}

func TestValidator_ConditionalSectionRequiredWhenFlagged(t *testing.T) {
	flagged := strings.Replace(validLog, "status: Completed",
		"status: Completed\nimportant_findings: true", 1)
	result := NewValidator(ModeStrict).Validate(flagged)

	assert.False(t, result.Valid)
	assert.Contains(t, strings.Join(result.Errors, "; "), "Important Findings")

	withSection := flagged + "\n## Important Findings\nThe cache is shared.\n"
	result = NewValidator(ModeStrict).Validate(withSection)
	assert.True(t, result.Valid, "errors: %v", result.Errors)
}

func TestValidator_FlagFalseDoesNotRequireSection(t *testing.T) {
	flagged := strings.Replace(validLog, "status: Completed",
		"status: Completed\nad_hoc_delegation: false", 1)
	result := NewValidator(ModeStrict).Validate(flagged)
	assert.True(t, result.Valid, "errors: %v", result.Errors)
}

func TestValidator_DeepHeaderWarns(t *testing.T) {
	content := strings.Replace(validLog, "## Summary", "### Summary", 1)

	strict := NewValidator(ModeStrict).Validate(content)
	assert.False(t, strict.Valid, "strict mode blocks on warnings")
	assert.Empty(t, strict.Errors)
	require.Len(t, strict.Warnings, 1)
	assert.Contains(t, strict.Warnings[0], "Summary")

	lenient := NewValidator(ModeLenient).Validate(content)
	assert.True(t, lenient.Valid, "lenient mode records but does not block")
	assert.Len(t, lenient.Warnings, 1)
}

func TestValidator_EmptyOutputOnCompletedWarns(t *testing.T) {
	content := strings.Replace(validLog, "## Output\n- pkg/thing/thing.go\n", "## Output\n", 1)
	result := NewValidator(ModeLenient).Validate(content)

	assert.True(t, result.Valid)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "Output")
}

func TestValidator_AuditNeverBlocks(t *testing.T) {
	result := NewValidator(ModeAudit).Validate("no frontmatter here")

	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Errors, "violations are still recorded")
}

func TestValidator_LenientBlocksOnErrors(t *testing.T) {
	result := NewValidator(ModeLenient).Validate("no frontmatter here")
	assert.False(t, result.Valid)
}

func TestValidator_DefaultsToStrict(t *testing.T) {
	v := NewValidator("")
	assert.Equal(t, ModeStrict, v.Mode())
}

func TestValidator_ValidateFile(t *testing.T) {
	path := writeLog(t, "Task_2_1_x.md", validLog)

	result, err := NewValidator(ModeStrict).ValidateFile(path)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	_, err = NewValidator(ModeStrict).ValidateFile(path + ".missing")
	assert.Error(t, err)
}
