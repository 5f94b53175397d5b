package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/weftworks/weft/internal/registry"
)

// maxResponseBody caps what a tool result may carry back into a workflow.
const maxResponseBody = 1 << 20

// HTTPExecutor performs plain HTTP requests. Redirects and TLS follow the
// injected client's configuration.
type HTTPExecutor struct {
	Client *http.Client
}

// HTTPDescriptor describes the http_request tool.
func HTTPDescriptor() registry.ToolDescriptor {
	return registry.ToolDescriptor{
		Name:        "http_request",
		Description: "Performs HTTP requests and returns the response body",
		Enabled:     true,
		Actions: []registry.Action{
			{
				Name:        "get",
				Description: "HTTP GET",
				Parameters: []registry.Parameter{
					{Name: "url", Type: "string", Required: true, Description: "Request URL"},
				},
			},
			{
				Name:        "post",
				Description: "HTTP POST",
				Parameters: []registry.Parameter{
					{Name: "url", Type: "string", Required: true, Description: "Request URL"},
					{Name: "body", Type: "string", Required: false, Description: "Request body"},
					{Name: "content_type", Type: "string", Required: false, Description: "Content-Type header, default application/json"},
				},
			},
		},
	}
}

func (h *HTTPExecutor) Execute(ctx context.Context, action string, params map[string]any) (*registry.Result, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http_request: parameter %q is required", "url")
	}

	var req *http.Request
	var err error
	switch action {
	case "get":
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	case "post":
		body, _ := params["body"].(string)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
		if err == nil {
			contentType, _ := params["content_type"].(string)
			if contentType == "" {
				contentType = "application/json"
			}
			req.Header.Set("Content-Type", contentType)
		}
	default:
		return nil, fmt.Errorf("http_request: unknown action %q", action)
	}
	if err != nil {
		return nil, fmt.Errorf("http_request: build request: %w", err)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_request: %s %s: %w", req.Method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("http_request: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http_request: %s %s: status %d: %s",
			req.Method, url, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return &registry.Result{
		Content: string(data),
		Data:    map[string]any{"status_code": resp.StatusCode},
	}, nil
}
