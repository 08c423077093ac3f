// Package memlog parses agent memory-log files: frontmatter-delimited
// markdown, one file per task, written by the agents themselves. Parsing is
// deliberately forgiving; a malformed file degrades to plain-markdown
// recovery instead of being dropped.
package memlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

var (
	// ErrNoFrontmatter is returned when the file has no valid frontmatter
	// block. Parse recovers from this in plain mode; callers that require
	// frontmatter treat it as fatal.
	ErrNoFrontmatter = errors.New("no frontmatter block")
	// ErrNoTaskRef is returned when no task reference can be found in the
	// frontmatter, the filename, or the body.
	ErrNoTaskRef = errors.New("no task reference found")
)

// Frontmatter is the YAML header of a memory log.
type Frontmatter struct {
	Agent               string `yaml:"agent"`
	TaskRef             string `yaml:"task_ref"`
	Status              string `yaml:"status"`
	AdHocDelegation     bool   `yaml:"ad_hoc_delegation"`
	CompatibilityIssues bool   `yaml:"compatibility_issues"`
	ImportantFindings   bool   `yaml:"important_findings"`
}

// ParsedLog is the normalized view of one memory-log file.
type ParsedLog struct {
	TaskID                 string        `json:"task_id"`
	AgentID                string        `json:"agent_id,omitempty"`
	Status                 v1.TaskStatus `json:"status"`
	ProgressPercent        *int          `json:"progress_percent,omitempty"`
	Blockers               []string      `json:"blockers,omitempty"`
	CompletionTimestamp    *time.Time    `json:"completion_timestamp,omitempty"`
	HasImportantFindings   bool          `json:"has_important_findings"`
	HasAdHocDelegation     bool          `json:"has_ad_hoc_delegation"`
	HasCompatibilityIssues bool          `json:"has_compatibility_issues"`
	PlainMode              bool          `json:"plain_mode"`
	Warnings               []string      `json:"warnings,omitempty"`
	SourcePath             string        `json:"source_path"`
}

var (
	frontmatterDelim = regexp.MustCompile(`(?m)^---\s*$`)

	taskRefPattern     = regexp.MustCompile(`(\d+)\.(\d+)`)
	taskRefFilePattern = regexp.MustCompile(`Task_(\d+)_(\d+)`)
	taskRefBodyPattern = regexp.MustCompile(`Task\s+(\d+)\.(\d+)`)

	statusLinePattern  = regexp.MustCompile(`(?im)^status[:\s]+([A-Za-z _-]+)$`)
	failureWordPattern = regexp.MustCompile(`\b(failed|error)\b`)

	progressPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)progress[:\s]+(\d{1,3})\s*%`),
		regexp.MustCompile(`(?i)(\d{1,3})\s*%\s*complete`),
		regexp.MustCompile(`(?i)(\d{1,3})\s*%\s*done`),
	}

	completionTimePattern = regexp.MustCompile(
		`(?i)(?:completed|completion|finished)(?:\s+(?:at|on|time(?:stamp)?))?[:\s*]+` +
			`(\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)?)`)

	sectionHeaderPattern = regexp.MustCompile(`(?m)^(#{2,3})\s+(.+?)\s*$`)
	bulletPattern        = regexp.MustCompile(`(?m)^\s*[-*]\s+(.+?)\s*$`)
)

// timestampLayouts are tried in order when parsing completion timestamps.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// statusAliases maps normalized frontmatter status strings to the task
// status enum. Normalization lowercases and strips spaces, underscores and
// hyphens.
var statusAliases = map[string]v1.TaskStatus{
	"completed":  v1.TaskStatusCompleted,
	"complete":   v1.TaskStatusCompleted,
	"done":       v1.TaskStatusCompleted,
	"partial":    v1.TaskStatusPartial,
	"blocked":    v1.TaskStatusBlocked,
	"error":      v1.TaskStatusFailed,
	"failed":     v1.TaskStatusFailed,
	"fail":       v1.TaskStatusFailed,
	"inprogress": v1.TaskStatusInProgress,
	"notstarted": v1.TaskStatusNotStarted,
}

// NormalizeStatus maps a raw status string to the task status enum. The
// second return reports whether the string was recognized; unknown strings
// map to InProgress.
func NormalizeStatus(raw string) (v1.TaskStatus, bool) {
	key := strings.ToLower(raw)
	for _, cut := range []string{" ", "_", "-"} {
		key = strings.ReplaceAll(key, cut, "")
	}
	if status, ok := statusAliases[key]; ok {
		return status, true
	}
	return v1.TaskStatusInProgress, false
}

// Parse reads and parses one memory-log file. A file without usable
// frontmatter is recovered in plain mode when a task reference can still be
// found; only a missing task reference is fatal.
func Parse(path string) (*ParsedLog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory log: %w", err)
	}
	content := string(raw)

	front, body, splitErr := splitFrontmatter(content)
	if splitErr != nil {
		return parsePlain(path, content)
	}

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return parsePlain(path, content)
	}

	log := &ParsedLog{
		AgentID:                fm.Agent,
		HasImportantFindings:   fm.ImportantFindings,
		HasAdHocDelegation:     fm.AdHocDelegation,
		HasCompatibilityIssues: fm.CompatibilityIssues,
		SourcePath:             path,
	}

	taskID, err := extractTaskRef(fm.TaskRef, path, body)
	if err != nil {
		return nil, err
	}
	log.TaskID = taskID

	status, known := NormalizeStatus(fm.Status)
	log.Status = status
	if !known {
		log.Warnings = append(log.Warnings,
			fmt.Sprintf("unknown status %q, treated as in progress", fm.Status))
	}

	log.ProgressPercent = extractProgress(body)
	log.Blockers = extractBlockers(body)
	if status == v1.TaskStatusCompleted {
		log.CompletionTimestamp = extractCompletionTime(body)
	}
	return log, nil
}

// ParseStatus reads only the frontmatter status of a memory log. Used on
// the polling path where the full parse is unnecessary.
func ParseStatus(path string) (v1.TaskStatus, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read memory log: %w", err)
	}
	front, _, err := splitFrontmatter(string(raw))
	if err != nil {
		return "", err
	}
	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoFrontmatter, err)
	}
	status, _ := NormalizeStatus(fm.Status)
	return status, nil
}

// parsePlain recovers a record from a file without usable frontmatter.
func parsePlain(path, content string) (*ParsedLog, error) {
	log := &ParsedLog{
		PlainMode:  true,
		SourcePath: path,
		Warnings:   []string{"no frontmatter, recovered in plain mode"},
	}

	taskID, err := extractTaskRef("", path, content)
	if err != nil {
		return nil, err
	}
	log.TaskID = taskID
	log.Status = inferStatus(content)
	log.ProgressPercent = extractProgress(content)
	if log.Status == v1.TaskStatusCompleted {
		log.CompletionTimestamp = extractCompletionTime(content)
	}
	return log, nil
}

// inferStatus guesses a status from body text when no frontmatter exists.
func inferStatus(body string) v1.TaskStatus {
	if m := statusLinePattern.FindStringSubmatch(body); m != nil {
		status, _ := NormalizeStatus(strings.TrimSpace(m[1]))
		return status
	}
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "completed") || strings.Contains(lower, "complete"):
		return v1.TaskStatusCompleted
	case strings.Contains(lower, "blocked"):
		return v1.TaskStatusBlocked
	case failureWordPattern.MatchString(lower):
		return v1.TaskStatusFailed
	default:
		return v1.TaskStatusInProgress
	}
}

// splitFrontmatter splits content into the YAML header and the markdown
// body. The opening delimiter must be the first line.
func splitFrontmatter(content string) (front, body string, err error) {
	locs := frontmatterDelim.FindAllStringIndex(content, 2)
	if len(locs) < 2 || locs[0][0] != 0 {
		return "", "", ErrNoFrontmatter
	}
	front = content[locs[0][1]:locs[1][0]]
	body = content[locs[1][1]:]
	return front, body, nil
}

// extractTaskRef resolves the task id with three fallbacks: the task_ref
// field, the Task_N_M filename convention, then a body search.
func extractTaskRef(taskRef, path, body string) (string, error) {
	if m := taskRefPattern.FindStringSubmatch(taskRef); m != nil {
		return m[1] + "." + m[2], nil
	}
	if m := taskRefFilePattern.FindStringSubmatch(filepath.Base(path)); m != nil {
		return m[1] + "." + m[2], nil
	}
	if m := taskRefBodyPattern.FindStringSubmatch(body); m != nil {
		return m[1] + "." + m[2], nil
	}
	return "", fmt.Errorf("%w in %s", ErrNoTaskRef, filepath.Base(path))
}

func extractProgress(body string) *int {
	for _, pattern := range progressPatterns {
		m := pattern.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		value, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if value < 0 {
			value = 0
		}
		if value > 100 {
			value = 100
		}
		return &value
	}
	return nil
}

// extractBlockers pulls bullet items from the Issues section, skipping
// none-markers.
func extractBlockers(body string) []string {
	issues := sectionContent(body, "Issues")
	if issues == "" {
		return nil
	}
	var blockers []string
	for _, m := range bulletPattern.FindAllStringSubmatch(issues, -1) {
		item := strings.TrimSpace(m[1])
		lower := strings.ToLower(item)
		if item == "" || lower == "none" || lower == "n/a" || strings.HasPrefix(lower, "no issues") {
			continue
		}
		blockers = append(blockers, item)
	}
	return blockers
}

func extractCompletionTime(body string) *time.Time {
	m := completionTimePattern.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, m[1]); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}

// markdownSection is one ## or ### block of the body.
type markdownSection struct {
	Name    string
	Level   int
	Content string
}

// parseSections splits the markdown body into header-delimited blocks.
func parseSections(body string) []markdownSection {
	headers := sectionHeaderPattern.FindAllStringSubmatchIndex(body, -1)
	sections := make([]markdownSection, 0, len(headers))
	for i, h := range headers {
		end := len(body)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		sections = append(sections, markdownSection{
			Name:    strings.TrimSpace(body[h[4]:h[5]]),
			Level:   h[3] - h[2],
			Content: strings.TrimSpace(body[h[1]:end]),
		})
	}
	return sections
}

// findSection locates a section by name, case-insensitively.
func findSection(sections []markdownSection, name string) *markdownSection {
	for i := range sections {
		if strings.EqualFold(sections[i].Name, name) {
			return &sections[i]
		}
	}
	return nil
}

// sectionContent returns the body of the named section, or empty.
func sectionContent(body, name string) string {
	if s := findSection(parseSections(body), name); s != nil {
		return s.Content
	}
	return ""
}
