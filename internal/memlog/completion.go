package memlog

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// CompletionReport is the structured outcome extracted from a memory log
// for the completion pipeline. Confidence scores how well-documented the
// completion is, not whether the work is correct.
type CompletionReport struct {
	TaskRef             string           `json:"task_ref"`
	AgentID             string           `json:"agent_id"`
	Status              v1.TaskStatus    `json:"status"`
	Deliverables        []string         `json:"deliverables"`
	TestResults         *v1.TestResults  `json:"test_results,omitempty"`
	QualityGates        *v1.QualityGates `json:"quality_gates,omitempty"`
	CompletionTimestamp time.Time        `json:"completion_timestamp"`
	Confidence          float64          `json:"confidence"`
}

// testResultPatterns match the documented test outcome. Each pattern names
// its capture groups so passed/total land correctly regardless of order.
var testResultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?P<passed>\d+)\s*/\s*(?P<total>\d+)\s+tests?\s+pass`),
	regexp.MustCompile(`(?i)(?P<total>\d+)\s+tests?,\s*(?P<passed>\d+)\s+pass`),
	regexp.MustCompile(`(?i)tests?:\s*(?P<passed>\d+)\s*/\s*(?P<total>\d+)`),
	regexp.MustCompile(`(?i)all\s+(?P<total>\d+)\s+tests?\s+pass`),
}

var coveragePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%\s+(?:test\s+)?coverage`),
	regexp.MustCompile(`(?i)coverage[:\s]+(\d+(?:\.\d+)?)\s*%`),
}

// gatePatterns detect quality-gate claims by phrase.
var (
	gateTDDPattern      = regexp.MustCompile(`(?i)\btdd\b|test[- ]driven`)
	gateCommitsPattern  = regexp.MustCompile(`(?i)(?:conventional|atomic)\s+commits?`)
	gateSecurityPattern = regexp.MustCompile(`(?i)security\s+(?:review|scan|check|audit)`)
	gateCoveragePattern = regexp.MustCompile(`(?i)coverage\s+(?:threshold|target|goal)\s+(?:met|reached|exceeded)`)
)

// confidence weights. The base says "a log exists and parsed"; everything
// else is evidence of a documented completion.
const (
	confidenceBase         = 0.5
	confidenceStatusDone   = 0.15
	confidenceDeliverables = 0.1
	confidenceTests        = 0.1
	confidenceAllPassing   = 0.05
	confidencePerGate      = 0.025
	confidenceBodyShort    = 0.025
	confidenceBodyLong     = 0.025

	bodyShortThreshold = 300
	bodyLongThreshold  = 1000
)

// ParseCompletion extracts the completion report from a memory log. Unlike
// Parse it requires frontmatter; the completion pipeline only runs on
// well-formed logs.
func ParseCompletion(path string) (*CompletionReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory log: %w", err)
	}
	content := string(raw)

	front, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}
	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrontmatter, err)
	}

	taskRef, err := extractTaskRef(fm.TaskRef, path, body)
	if err != nil {
		return nil, err
	}
	status, _ := NormalizeStatus(fm.Status)

	report := &CompletionReport{
		TaskRef:      taskRef,
		AgentID:      fm.Agent,
		Status:       status,
		Deliverables: extractDeliverables(body),
		TestResults:  extractTestResults(body),
		QualityGates: extractQualityGates(body),
	}

	if ts := extractCompletionTime(body); ts != nil {
		report.CompletionTimestamp = *ts
	} else {
		report.CompletionTimestamp = time.Now().UTC()
	}

	report.Confidence = scoreConfidence(report, len(body))
	return report, nil
}

// extractDeliverables returns the Output section's bullet items in order.
func extractDeliverables(body string) []string {
	output := sectionContent(body, "Output")
	if output == "" {
		return nil
	}
	var deliverables []string
	for _, m := range bulletPattern.FindAllStringSubmatch(output, -1) {
		if item := strings.TrimSpace(m[1]); item != "" {
			deliverables = append(deliverables, item)
		}
	}
	return deliverables
}

func extractTestResults(body string) *v1.TestResults {
	var results *v1.TestResults
	for _, pattern := range testResultPatterns {
		m := pattern.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		results = &v1.TestResults{}
		for i, name := range pattern.SubexpNames() {
			if i == 0 || i >= len(m) {
				continue
			}
			value, err := strconv.Atoi(m[i])
			if err != nil {
				continue
			}
			switch name {
			case "passed":
				results.Passed = value
			case "total":
				results.Total = value
			}
		}
		// The all-N-tests-pass form has no separate passed group.
		if results.Passed == 0 && results.Total > 0 && pattern == testResultPatterns[len(testResultPatterns)-1] {
			results.Passed = results.Total
		}
		break
	}

	coverage := extractCoverage(body)
	if results == nil && coverage == nil {
		return nil
	}
	if results == nil {
		results = &v1.TestResults{}
	}
	results.CoveragePercent = coverage
	return results
}

func extractCoverage(body string) *float64 {
	for _, pattern := range coveragePatterns {
		m := pattern.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		return &value
	}
	return nil
}

// extractQualityGates returns nil when no gate phrase appears at all.
func extractQualityGates(body string) *v1.QualityGates {
	gates := v1.QualityGates{
		TDD:      gateTDDPattern.MatchString(body),
		Commits:  gateCommitsPattern.MatchString(body),
		Security: gateSecurityPattern.MatchString(body),
		Coverage: gateCoveragePattern.MatchString(body),
	}
	if !gates.TDD && !gates.Commits && !gates.Security && !gates.Coverage {
		return nil
	}
	return &gates
}

func scoreConfidence(report *CompletionReport, bodyLen int) float64 {
	score := confidenceBase
	if report.Status == v1.TaskStatusCompleted {
		score += confidenceStatusDone
	}
	if len(report.Deliverables) > 0 {
		score += confidenceDeliverables
	}
	if report.TestResults != nil {
		score += confidenceTests
		if report.TestResults.AllPassing() {
			score += confidenceAllPassing
		}
	}
	if gates := report.QualityGates; gates != nil {
		for _, present := range []bool{gates.TDD, gates.Commits, gates.Security, gates.Coverage} {
			if present {
				score += confidencePerGate
			}
		}
	}
	if bodyLen > bodyShortThreshold {
		score += confidenceBodyShort
	}
	if bodyLen > bodyLongThreshold {
		score += confidenceBodyLong
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
