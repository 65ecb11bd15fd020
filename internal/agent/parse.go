package agent

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Plan is the planner's structured output.
type Plan struct {
	Steps []PlannedStep `json:"steps"`
}

// PlannedStep is one unit of work in a plan.
type PlannedStep struct {
	Description string `json:"description"`
}

// Review is the critic's structured output.
type Review struct {
	Verdict  string `json:"verdict"` // "approve" or "needs_revision"
	Comments string `json:"comments"`
}

// Approved reports whether the critic accepted the change.
func (r Review) Approved() bool { return r.Verdict == "approve" }

// TestReport is the tester's structured output.
type TestReport struct {
	Passed   bool          `json:"passed"`
	Failures []TestFailure `json:"failures"`
}

// TestFailure attributes one failure to a step by ordinal; zero means
// the tester could not attribute it.
type TestFailure struct {
	Step    int    `json:"step"`
	Message string `json:"message"`
}

// ParsePlan validates planner output.
func ParsePlan(text string) (*Plan, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, &SchemaError{Role: RolePlanner, Reason: "no JSON object found"}
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, &SchemaError{Role: RolePlanner, Reason: err.Error()}
	}
	if len(plan.Steps) == 0 {
		return nil, &SchemaError{Role: RolePlanner, Reason: "plan contains no steps"}
	}
	for i, s := range plan.Steps {
		if strings.TrimSpace(s.Description) == "" {
			return nil, &SchemaError{Role: RolePlanner, Reason: "empty step description at index " + strconv.Itoa(i)}
		}
	}
	return &plan, nil
}

// ParseReview validates critic output.
func ParseReview(text string) (*Review, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, &SchemaError{Role: RoleCritic, Reason: "no JSON object found"}
	}
	var review Review
	if err := json.Unmarshal([]byte(raw), &review); err != nil {
		return nil, &SchemaError{Role: RoleCritic, Reason: err.Error()}
	}
	switch review.Verdict {
	case "approve", "needs_revision":
	default:
		return nil, &SchemaError{Role: RoleCritic, Reason: "unknown verdict " + review.Verdict}
	}
	return &review, nil
}

// ParseTestReport validates tester output.
func ParseTestReport(text string) (*TestReport, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return nil, &SchemaError{Role: RoleTester, Reason: "no JSON object found"}
	}
	var report TestReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, &SchemaError{Role: RoleTester, Reason: err.Error()}
	}
	if !report.Passed && len(report.Failures) == 0 {
		return nil, &SchemaError{Role: RoleTester, Reason: "failed report lists no failures"}
	}
	return &report, nil
}

// extractJSON returns the first balanced JSON object or array in text.
// Models frequently wrap JSON in prose or markdown fences; the parser
// tolerates that, but nothing else.
func extractJSON(text string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			open = text[i]
			close = '}'
			if open == '[' {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
