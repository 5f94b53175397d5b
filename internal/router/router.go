package router

import (
	"sort"
	"strings"
	"sync"
)

// Pattern is one weighted phrase that votes for a tool. Lang tags the
// phrase's language; language-matched patterns score at full weight,
// cross-language ones at the configured multiplier.
type Pattern struct {
	Phrase string  `yaml:"phrase"`
	Weight float64 `yaml:"weight"`
	Lang   string  `yaml:"lang,omitempty"`
}

// ToolRoutes is the routing table entry for one tool.
type ToolRoutes struct {
	Tool     string    `yaml:"tool"`
	Priority float64   `yaml:"priority"`
	Patterns []Pattern `yaml:"patterns"`
}

// Match is one scored candidate. Confidence is in [0,1]; MatchedPatterns
// lists the phrases that fired, in table order.
type Match struct {
	Tool            string   `json:"tool"`
	Confidence      float64  `json:"confidence"`
	MatchedPatterns []string `json:"matched_patterns,omitempty"`
}

// priorityEpsilon scales the per-tool priority into a tiny confidence bonus
// so equal-scoring tools order deterministically.
const priorityEpsilon = 1e-4

// Router scores free text against a data-driven routing table. Stateless
// per request; the table is swappable at runtime for hot reload.
type Router struct {
	mu             sync.RWMutex
	routes         []ToolRoutes
	crossLangScale float64
}

func New(routes []ToolRoutes, crossLangScale float64) *Router {
	if crossLangScale <= 0 || crossLangScale > 1 {
		crossLangScale = 0.5
	}
	return &Router{routes: routes, crossLangScale: crossLangScale}
}

// Reload swaps the routing table. In-flight Route calls keep the table they
// started with.
func (r *Router) Reload(routes []ToolRoutes) {
	r.mu.Lock()
	r.routes = routes
	r.mu.Unlock()
}

// Route scores text against every tool's patterns and returns matches
// sorted by confidence descending, ties broken by priority, then name.
// Empty text or zero matches yields an empty slice, never an error: the
// caller decides whether to fall through to plan synthesis.
func (r *Router) Route(text string) []Match {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return nil
	}
	lang := DetectLanguage(normalized)

	r.mu.RLock()
	routes := r.routes
	scale := r.crossLangScale
	r.mu.RUnlock()

	type scored struct {
		match    Match
		priority float64
	}
	var results []scored

	for _, tr := range routes {
		var raw, max float64
		var fired []string
		for _, p := range tr.Patterns {
			w := p.Weight
			if p.Lang != "" && p.Lang != lang {
				w *= scale
			}
			max += w
			if strings.Contains(normalized, strings.ToLower(p.Phrase)) {
				raw += w
				fired = append(fired, p.Phrase)
			}
		}
		if raw == 0 || max == 0 {
			continue
		}
		conf := raw/max + tr.Priority*priorityEpsilon
		if conf > 1 {
			conf = 1
		}
		results = append(results, scored{
			match:    Match{Tool: tr.Tool, Confidence: conf, MatchedPatterns: fired},
			priority: tr.Priority,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].match.Confidence != results[j].match.Confidence {
			return results[i].match.Confidence > results[j].match.Confidence
		}
		if results[i].priority != results[j].priority {
			return results[i].priority > results[j].priority
		}
		return results[i].match.Tool < results[j].match.Tool
	})

	out := make([]Match, len(results))
	for i, s := range results {
		out[i] = s.match
	}
	return out
}
