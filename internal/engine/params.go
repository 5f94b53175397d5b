package engine

import (
	"encoding/json"
	"regexp"

	"github.com/weftworks/weft/internal/registry"
)

// outputToken matches `<stepID_output>` placeholders inside string
// parameter values.
var outputToken = regexp.MustCompile(`<([A-Za-z0-9_-]+)_output>`)

// resolveParams returns a copy of params with every `<stepID_output>` token
// in string values replaced by the referenced step's materialized output.
// Unknown or unfinished references resolve to the empty string. Non-string
// parameter values pass through untouched.
func resolveParams(wf *Workflow, params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			out[k] = outputToken.ReplaceAllStringFunc(s, func(tok string) string {
				id := tok[1 : len(tok)-len("_output>")]
				step := wf.step(id)
				if step == nil {
					return ""
				}
				return stepOutput(step.Result)
			})
		} else {
			out[k] = v
		}
	}
	return out
}

// OutputRefs returns the step ids referenced by `<stepID_output>` tokens in
// a parameter value. Non-string values reference nothing.
func OutputRefs(v any) []string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	var ids []string
	for _, m := range outputToken.FindAllStringSubmatch(s, -1) {
		ids = append(ids, m[1])
	}
	return ids
}

// stepOutput materializes a result as a string. Non-string payloads are
// JSON-encoded by convention.
func stepOutput(res *registry.Result) string {
	if res == nil {
		return ""
	}
	if res.Content != "" {
		return res.Content
	}
	if res.Data != nil {
		data, err := json.Marshal(res.Data)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return ""
}
