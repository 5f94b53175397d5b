package planner

import (
	"fmt"
	"strings"

	"github.com/weftworks/weft/internal/registry"
)

// buildPrompt embeds the user request and the enabled tools' declared
// actions and parameters, and demands strict JSON back.
func buildPrompt(request string, tools []registry.ToolDescriptor) string {
	var sb strings.Builder
	sb.WriteString("You are a workflow planner. Decompose the user request into tool invocation steps.\n\n")
	sb.WriteString("Available tools:\n\n")

	for _, tool := range tools {
		sb.WriteString(fmt.Sprintf("## %s\n%s\n", tool.Name, tool.Description))
		for _, action := range tool.Actions {
			sb.WriteString(fmt.Sprintf("- %s.%s: %s\n", tool.Name, action.Name, action.Description))
			for _, param := range action.Parameters {
				name := param.Name
				if param.Type != "" {
					name = fmt.Sprintf("%s (%s)", param.Name, param.Type)
				}
				req := ""
				if param.Required {
					req = " (required)"
				}
				sb.WriteString(fmt.Sprintf("  - %s: %s%s\n", name, param.Description, req))
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Respond with ONLY a JSON object, no prose:\n")
	sb.WriteString(`{"title": "...", "steps": [{"title": "...", "tool": "...", "action": "...", "parameters": {"name": "value"}, "depends_on": [0]}]}` + "\n")
	sb.WriteString("depends_on holds zero-based indices of earlier steps. ")
	sb.WriteString("A step may reference an earlier step's output in a parameter value as <step_N_output> (1-based N).\n\n")
	sb.WriteString("User request:\n")
	sb.WriteString(request)
	sb.WriteString("\n")
	return sb.String()
}

func expandRequest(template, request string) string {
	return strings.ReplaceAll(template, "{{request}}", request)
}
