package planner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/weftworks/weft/internal/engine"
)

type planStepJSON struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Tool        string         `json:"tool"`
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters"`
	DependsOn   []int          `json:"depends_on"`
}

type planJSON struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Steps       []planStepJSON `json:"steps"`
}

// parsePlan extracts the JSON plan from model output. Models wrap JSON in
// fences or prose often enough that we cut out the outermost object before
// unmarshaling.
func parsePlan(text string) (engine.StepGraph, error) {
	body := extractJSON(text)
	if body == "" {
		return engine.StepGraph{}, fmt.Errorf("no JSON object in model output")
	}

	var doc planJSON
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return engine.StepGraph{}, fmt.Errorf("unmarshal plan: %w", err)
	}
	if len(doc.Steps) == 0 {
		return engine.StepGraph{}, fmt.Errorf("plan has no steps")
	}

	graph := engine.StepGraph{Title: doc.Title, Description: doc.Description}
	for _, s := range doc.Steps {
		if s.Tool == "" || s.Action == "" {
			return engine.StepGraph{}, fmt.Errorf("step %q missing tool or action", s.Title)
		}
		graph.Steps = append(graph.Steps, engine.StepSpec{
			Title:       s.Title,
			Description: s.Description,
			Tool:        s.Tool,
			Action:      s.Action,
			Parameters:  s.Parameters,
			DependsOn:   s.DependsOn,
		})
	}
	return graph, nil
}

// extractJSON returns the outermost {...} in text, honoring a ```json
// fence when present.
func extractJSON(text string) string {
	if fence := strings.Index(text, "```"); fence >= 0 {
		rest := text[fence+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// stepIndexFromID maps a "step_N" id back to its zero-based index.
func stepIndexFromID(id string, total int) (int, bool) {
	rest, ok := strings.CutPrefix(id, "step_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || n > total {
		return 0, false
	}
	return n - 1, true
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
