package engine

import "errors"

var (
	// ErrCyclicPlan means the step graph is not a DAG. Fatal to the
	// submission; the planner falls back rather than admit it.
	ErrCyclicPlan = errors.New("step graph contains a dependency cycle")

	// ErrUnknownToolOrAction means a step references a tool or action the
	// registry does not know or has disabled.
	ErrUnknownToolOrAction = errors.New("unknown or disabled tool/action")

	// ErrInvalidTransition is returned on client misuse, e.g. resuming a
	// step that is not awaiting a decision.
	ErrInvalidTransition = errors.New("invalid workflow state transition")

	// ErrNotFound is returned for unknown workflow ids.
	ErrNotFound = errors.New("workflow not found")

	// ErrEmptyPlan means a step graph with no steps was submitted.
	ErrEmptyPlan = errors.New("step graph has no steps")
)

// Step error kinds, recorded on the step so failure policy and clients can
// tell a tool-reported failure from a timeout.
const (
	ErrKindTimeout   = "timeout"
	ErrKindExecution = "execution"
)
