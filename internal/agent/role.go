// Package agent defines the five agent roles and their structured
// input/output schemas. Roles are a closed enum; each role has a system
// prompt and a parser for its expected output, exposed behind uniform
// helpers so the pipeline invokes every role the same way.
package agent

import "fmt"

// Role identifies an agent in the pipeline.
type Role string

const (
	RolePlanner    Role = "planner"
	RoleCoder      Role = "coder"
	RoleCritic     Role = "critic"
	RoleTester     Role = "tester"
	RoleSummarizer Role = "summarizer"
)

// Roles lists every role in pipeline order.
var Roles = []Role{RolePlanner, RoleCoder, RoleCritic, RoleTester, RoleSummarizer}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePlanner, RoleCoder, RoleCritic, RoleTester, RoleSummarizer:
		return true
	}
	return false
}

// Description returns the role's human-readable responsibility.
func (r Role) Description() string {
	switch r {
	case RolePlanner:
		return "Breaks down the goal into actionable steps"
	case RoleCoder:
		return "Implements one step as code changes"
	case RoleCritic:
		return "Reviews code changes and approves or requests revision"
	case RoleTester:
		return "Validates implemented steps and reports failures"
	case RoleSummarizer:
		return "Folds transcript history into a bounded summary"
	default:
		return ""
	}
}

// SchemaError marks model output that does not match the role's
// expected structure. The governor retries once with a corrective
// instruction before treating it as fatal.
type SchemaError struct {
	Role   Role
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s output schema violation: %s", e.Role, e.Reason)
}

// CorrectiveInstruction is appended to the conversation when a schema
// validation fails, before the single corrective retry.
func (e *SchemaError) CorrectiveInstruction() string {
	return fmt.Sprintf(
		"Your previous reply could not be parsed (%s). Reply again with ONLY the JSON object in the required schema, no prose or markdown fences.",
		e.Reason,
	)
}
