package engine

import (
	"time"

	"github.com/weftworks/weft/internal/registry"
)

type Status string

const (
	StatusPlanning  Status = "planning"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepRunning          StepStatus = "running"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"
	StepAwaitingDecision StepStatus = "requires_approval"
)

func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// FailurePolicy controls what happens to the rest of a workflow when a step
// fails.
type FailurePolicy string

const (
	// PolicyStop aborts every not-yet-started step on the first failure.
	PolicyStop FailurePolicy = "stop"
	// PolicyContinue lets independent branches run; only dependents of the
	// failed step are skipped. Default.
	PolicyContinue FailurePolicy = "continue"
	// PolicyIgnoreDeps lets dependents run treating a failed dependency as
	// satisfied.
	PolicyIgnoreDeps FailurePolicy = "ignore-dependencies"
	// PolicyAsk parks the failing step for an operator decision
	// (retry / skip / abort) instead of recording the failure outright.
	PolicyAsk FailurePolicy = "ask"
)

func ValidPolicy(p FailurePolicy) bool {
	switch p {
	case PolicyStop, PolicyContinue, PolicyIgnoreDeps, PolicyAsk:
		return true
	}
	return false
}

// Decision sources: a tool asking for operator input mid-step, or the ask
// failure policy parking a failed step for retry/skip/abort.
const (
	DecisionSourceTool    = "tool"
	DecisionSourceFailure = "failure"
)

// DecisionRequest is surfaced when a step suspends for a human choice.
// Consumed exactly once by Resume.
type DecisionRequest struct {
	WorkflowID  string                    `json:"workflow_id"`
	StepID      string                    `json:"step_id"`
	Title       string                    `json:"title"`
	Description string                    `json:"description"`
	Source      string                    `json:"source"`
	Options     []registry.DecisionOption `json:"options"`
}

// Step is one tool invocation inside a workflow. Status is monotonic except
// for requires_approval -> pending on resume.
type Step struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Tool        string            `json:"tool"`
	Action      string            `json:"action"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Status      StepStatus        `json:"status"`
	Result      *registry.Result  `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Decision    *DecisionRequest  `json:"decision,omitempty"`
}

func (s *Step) clone() *Step {
	cp := *s
	if s.Parameters != nil {
		cp.Parameters = make(map[string]any, len(s.Parameters))
		for k, v := range s.Parameters {
			cp.Parameters[k] = v
		}
	}
	cp.DependsOn = append([]string(nil), s.DependsOn...)
	if s.Result != nil {
		res := *s.Result
		if s.Result.Data != nil {
			res.Data = make(map[string]any, len(s.Result.Data))
			for k, v := range s.Result.Data {
				res.Data[k] = v
			}
		}
		cp.Result = &res
	}
	if s.Decision != nil {
		dec := *s.Decision
		dec.Options = append([]registry.DecisionOption(nil), s.Decision.Options...)
		cp.Decision = &dec
	}
	return &cp
}

// Workflow is the authoritative record of one multi-step execution. Mutated
// only by its scheduler loop; consumers read deep copies via Snapshot.
type Workflow struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Steps          []*Step   `json:"steps"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedSteps int       `json:"completed_steps"`
	TotalSteps     int       `json:"total_steps"`
	Progress       float64   `json:"progress_percentage"`
}

// recalc refreshes the derived fields. Callers hold the workflow lock.
func (w *Workflow) recalc() {
	done := 0
	for _, s := range w.Steps {
		if s.Status == StepCompleted {
			done++
		}
	}
	w.CompletedSteps = done
	w.TotalSteps = len(w.Steps)
	if w.TotalSteps == 0 {
		w.Progress = 0
	} else {
		w.Progress = float64(done) / float64(w.TotalSteps) * 100
	}
	w.UpdatedAt = time.Now().UTC()
}

func (w *Workflow) step(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (w *Workflow) clone() *Workflow {
	cp := *w
	cp.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		cp.Steps[i] = s.clone()
	}
	return &cp
}
