package registry

import "context"

type Parameter struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

type Action struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Parameters  []Parameter `yaml:"parameters,omitempty"`
}

// ToolDescriptor declares what a tool can do. Immutable after registration
// except the enabled flag, which the registry toggles under its own lock.
type ToolDescriptor struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Actions      []Action `yaml:"actions"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Enabled      bool     `yaml:"enabled"`
}

func (d ToolDescriptor) Action(name string) (Action, bool) {
	for _, a := range d.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

// DecisionOption is one choice offered to a human operator.
type DecisionOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DecisionPrompt is returned by a tool instead of a normal result when the
// invocation cannot proceed without a human choice.
type DecisionPrompt struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Options     []DecisionOption `json:"options"`
}

// Result is the typed outcome of one tool invocation. When Decision is
// non-nil the invocation produced no result yet: the step must suspend
// until the operator picks an option.
type Result struct {
	Content  string          `json:"content"`
	Data     map[string]any  `json:"data,omitempty"`
	Decision *DecisionPrompt `json:"decision,omitempty"`
}

// Executor runs one action of one tool. Implementations are external
// collaborators; the engine only requires that Execute honors ctx
// cancellation and returns either a result or an error.
type Executor interface {
	Execute(ctx context.Context, action string, params map[string]any) (*Result, error)
}
