// Package tools holds the built-in tool executors: shell commands, HTTP
// requests and Lua-scripted actions. Each one satisfies the registry's
// Executor interface and ships its own descriptor.
package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/weftworks/weft/internal/registry"
)

// CommandExecutor runs shell commands via `sh -c`. The caller's context
// bounds the run; a cancelled context kills the process.
type CommandExecutor struct {
	// WorkDir is the working directory for every command. Empty means the
	// process working directory.
	WorkDir string
}

// CommandDescriptor describes the command_executor tool.
func CommandDescriptor() registry.ToolDescriptor {
	return registry.ToolDescriptor{
		Name:        "command_executor",
		Description: "Runs shell commands and returns their combined output",
		Enabled:     true,
		Actions: []registry.Action{
			{
				Name:        "run",
				Description: "Execute a shell command",
				Parameters: []registry.Parameter{
					{Name: "command", Type: "string", Required: true, Description: "Shell command to execute"},
				},
			},
		},
	}
}

func (c *CommandExecutor) Execute(ctx context.Context, action string, params map[string]any) (*registry.Result, error) {
	if action != "run" {
		return nil, fmt.Errorf("command_executor: unknown action %q", action)
	}
	command, _ := params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command_executor: parameter %q is required", "command")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = c.WorkDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command %q: %w", command, ctx.Err())
		}
		return nil, fmt.Errorf("command %q: %w: %s", command, err, strings.TrimSpace(string(out)))
	}

	return &registry.Result{
		Content: strings.TrimRight(string(out), "\n"),
		Data:    map[string]any{"exit_code": 0},
	}, nil
}
