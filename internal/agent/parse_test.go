package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan(`{"steps": [{"description": "add endpoint"}, {"description": "add tests"}]}`)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "add endpoint", plan.Steps[0].Description)
}

func TestParsePlan_ToleratesProseAndFences(t *testing.T) {
	text := "Here is the plan:\n```json\n{\"steps\": [{\"description\": \"do it\"}]}\n```\nGood luck!"
	plan, err := ParsePlan(text)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
}

func TestParsePlan_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no json", "I cannot produce a plan."},
		{"empty steps", `{"steps": []}`},
		{"blank description", `{"steps": [{"description": "  "}]}`},
		{"truncated", `{"steps": [{"description": "x"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.text)
			var se *SchemaError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, RolePlanner, se.Role)
			assert.NotEmpty(t, se.CorrectiveInstruction())
		})
	}
}

func TestParseReview(t *testing.T) {
	review, err := ParseReview(`{"verdict": "approve", "comments": "looks good"}`)
	require.NoError(t, err)
	assert.True(t, review.Approved())

	review, err = ParseReview(`{"verdict": "needs_revision", "comments": "missing error handling"}`)
	require.NoError(t, err)
	assert.False(t, review.Approved())

	_, err = ParseReview(`{"verdict": "maybe"}`)
	var se *SchemaError
	require.True(t, errors.As(err, &se))
}

func TestParseTestReport(t *testing.T) {
	report, err := ParseTestReport(`{"passed": false, "failures": [{"step": 2, "message": "nil deref"}, {"step": 0, "message": "flaky"}]}`)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, 2, report.Failures[0].Step)
	assert.Zero(t, report.Failures[1].Step, "unattributed failure uses step 0")

	report, err = ParseTestReport(`{"passed": true, "failures": []}`)
	require.NoError(t, err)
	assert.True(t, report.Passed)

	// A failed report must name at least one failure.
	_, err = ParseTestReport(`{"passed": false, "failures": []}`)
	require.Error(t, err)
}

func TestExtractJSON_NestedAndStrings(t *testing.T) {
	text := `prefix {"a": {"b": "brace } in string"}, "c": [1, 2]} suffix`
	raw, ok := extractJSON(text)
	require.True(t, ok)
	assert.Equal(t, `{"a": {"b": "brace } in string"}, "c": [1, 2]}`, raw)
}

func TestRole(t *testing.T) {
	for _, r := range Roles {
		assert.True(t, r.Valid())
		assert.NotEmpty(t, r.Description())
		assert.NotEmpty(t, SystemPrompt(r))
	}
	assert.False(t, Role("bard").Valid())
}
