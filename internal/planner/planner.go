package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/registry"
	"github.com/weftworks/weft/internal/router"
)

// ErrLLMUnavailable covers a missing, timed-out, or failing language-model
// capability. Always recovered locally by the deterministic fallback,
// never surfaced to the end user on its own.
var ErrLLMUnavailable = errors.New("language model capability unavailable")

// ErrNoTools means the registry has no enabled tool to route to, so not
// even a fallback plan can be produced.
var ErrNoTools = errors.New("no enabled tools to plan against")

// Completer is the injected language-model capability: given a prompt,
// return text. Must honor ctx cancellation.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// FallbackTemplate is the deterministic plan for one tool when synthesis is
// unavailable. Parameter values may contain "{{request}}", replaced with
// the raw user request.
type FallbackTemplate struct {
	Action     string            `yaml:"action"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
}

const defaultLLMTimeout = 30 * time.Second

// Planner turns an under-specified request into a validated step graph,
// using the LLM capability with a deterministic template fallback.
type Planner struct {
	llm       Completer // nil = fallback only
	reg       *registry.Registry
	timeout   time.Duration
	fallbacks map[string]FallbackTemplate
}

func New(llm Completer, reg *registry.Registry, timeout time.Duration, fallbacks map[string]FallbackTemplate) *Planner {
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}
	return &Planner{llm: llm, reg: reg, timeout: timeout, fallbacks: fallbacks}
}

// Synthesize produces a validated, acyclic step graph for the request.
// matches is the intent router's ranked output, used to seed the fallback.
// The result may differ between calls for the same request (the model is
// not deterministic); shape validity is the contract, not content.
func (p *Planner) Synthesize(ctx context.Context, request string, matches []router.Match) (engine.StepGraph, error) {
	graph, err := p.synthesizeLLM(ctx, request)
	if err == nil {
		return graph, nil
	}
	log.Printf("planner: synthesis failed (%v), using fallback plan", err)
	return p.Fallback(request, matches)
}

func (p *Planner) synthesizeLLM(ctx context.Context, request string) (engine.StepGraph, error) {
	if p.llm == nil {
		return engine.StepGraph{}, ErrLLMUnavailable
	}

	prompt := buildPrompt(request, p.reg.ListEnabled())

	llmCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	text, err := p.llm.Complete(llmCtx, prompt)
	if err != nil {
		return engine.StepGraph{}, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}

	graph, err := parsePlan(text)
	if err != nil {
		return engine.StepGraph{}, fmt.Errorf("parsing model plan: %w", err)
	}
	if graph.Title == "" {
		graph.Title = request
	}

	graph = p.repair(graph)
	if err := graph.Validate(p.reg); err != nil {
		return engine.StepGraph{}, fmt.Errorf("validating model plan: %w", err)
	}
	if err := p.validateParams(graph); err != nil {
		return engine.StepGraph{}, fmt.Errorf("validating model plan: %w", err)
	}
	return graph, nil
}

// repair fixes what can be fixed mechanically: a step whose parameter
// references an upstream step's output gains that dependency if the model
// forgot to declare it.
func (p *Planner) repair(graph engine.StepGraph) engine.StepGraph {
	for i := range graph.Steps {
		step := &graph.Steps[i]
		for _, v := range step.Parameters {
			for _, ref := range engine.OutputRefs(v) {
				idx, ok := stepIndexFromID(ref, len(graph.Steps))
				if !ok || idx == i {
					continue
				}
				if !containsInt(step.DependsOn, idx) {
					step.DependsOn = append(step.DependsOn, idx)
				}
			}
		}
	}
	return graph
}

// validateParams enforces that every required parameter is either present
// or bound to an upstream output reference.
func (p *Planner) validateParams(graph engine.StepGraph) error {
	for i, step := range graph.Steps {
		desc, _ := p.reg.Get(step.Tool)
		action, _ := desc.Action(step.Action)
		for _, param := range action.Parameters {
			if !param.Required {
				continue
			}
			v, ok := step.Parameters[param.Name]
			if !ok || v == "" {
				return fmt.Errorf("step %d (%s.%s): required parameter %q missing",
					i, step.Tool, step.Action, param.Name)
			}
		}
	}
	return nil
}

// Fallback builds a deterministic one-step plan keyed by the best router
// match. It never fails as long as any tool is enabled: the UI must always
// receive something to execute or clearly report as unsupported.
func (p *Planner) Fallback(request string, matches []router.Match) (engine.StepGraph, error) {
	tool := ""
	if len(matches) > 0 {
		if desc, ok := p.reg.Get(matches[0].Tool); ok && desc.Enabled {
			tool = desc.Name
		}
	}
	if tool == "" {
		enabled := p.reg.ListEnabled()
		if len(enabled) == 0 {
			return engine.StepGraph{}, ErrNoTools
		}
		tool = enabled[0].Name
	}

	desc, _ := p.reg.Get(tool)
	step := engine.StepSpec{
		Title: request,
		Tool:  tool,
	}

	if tpl, ok := p.fallbacks[tool]; ok && tpl.Action != "" {
		step.Action = tpl.Action
		if len(tpl.Parameters) > 0 {
			step.Parameters = make(map[string]any, len(tpl.Parameters))
			for k, v := range tpl.Parameters {
				step.Parameters[k] = expandRequest(v, request)
			}
		}
	} else if len(desc.Actions) > 0 {
		step.Action = desc.Actions[0].Name
	}

	graph := engine.StepGraph{Title: request, Steps: []engine.StepSpec{step}}
	if err := graph.Validate(p.reg); err != nil {
		return engine.StepGraph{}, fmt.Errorf("fallback plan: %w", err)
	}
	return graph, nil
}
