// Package server is the management HTTP surface: request intake, workflow
// inspection and control, live events, metrics.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/events"
	"github.com/weftworks/weft/internal/planner"
	"github.com/weftworks/weft/internal/router"
)

// SnapshotReader serves workflow snapshots that already left the engine's
// in-memory index (restart survivors, purged records).
type SnapshotReader interface {
	Get(id string) (*engine.Workflow, error)
	ListByOwner(ownerID string) ([]*engine.Workflow, error)
}

// Server holds the handler dependencies. Every route takes the owner id
// explicitly; there is no ambient user context.
type Server struct {
	rt        *router.Router
	pl        *planner.Planner
	eng       *engine.Engine
	pub       *events.Publisher
	store     SnapshotReader
	metrics   http.Handler
	threshold float64
}

// New assembles the server. store and metrics may be nil; the matching
// routes then degrade (no persisted fallback, no /metrics).
func New(rt *router.Router, pl *planner.Planner, eng *engine.Engine, pub *events.Publisher,
	store SnapshotReader, metrics http.Handler, threshold float64) *Server {
	return &Server{
		rt:        rt,
		pl:        pl,
		eng:       eng,
		pub:       pub,
		store:     store,
		metrics:   metrics,
		threshold: threshold,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/requests", s.handleSubmitRequest)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", s.handleCancelWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/steps/{stepID}/decision", s.handleDecision)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

type submitRequest struct {
	OwnerID       string `json:"owner_id"`
	Text          string `json:"text"`
	FailurePolicy string `json:"failure_policy,omitempty"`
}

type submitResponse struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Title      string         `json:"title"`
	Matches    []router.Match `json:"matches,omitempty"`
	Result     string         `json:"result,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// handleSubmitRequest routes the request text. A confident route match
// resolves to a one-step template plan executed synchronously, answering
// with the tool result. Everything else goes through the LLM synthesizer
// (which falls back to the template plan on its own failures) and is
// submitted as a workflow, answered 202 with the workflow id.
func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.Text = strings.TrimSpace(req.Text)
	if req.OwnerID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "owner_id and text are required")
		return
	}

	matches := s.rt.Route(req.Text)

	var graph engine.StepGraph
	var err error
	if len(matches) > 0 && matches[0].Confidence >= s.threshold {
		graph, err = s.pl.Fallback(req.Text, matches)
		if err == nil && s.dispatchDirect(w, r, graph, matches) {
			return
		}
	} else {
		graph, err = s.pl.Synthesize(r.Context(), req.Text, matches)
	}
	if err != nil {
		if errors.Is(err, planner.ErrNoTools) {
			writeError(w, http.StatusUnprocessableEntity, "no tool can serve this request")
			return
		}
		log.Printf("server: synthesize for %s: %v", req.OwnerID, err)
		writeError(w, http.StatusBadGateway, "plan synthesis failed")
		return
	}

	id, err := s.eng.Submit(graph, req.OwnerID, engine.FailurePolicy(req.FailurePolicy))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		WorkflowID: id,
		Title:      graph.Title,
		Matches:    matches,
	})
}

// dispatchDirect executes a confident one-step plan synchronously, bounded
// by the engine's per-invocation timeout, and answers with the tool result.
// Returns false when the request still needs a workflow: a multi-step plan,
// or a tool that answered with a decision prompt instead of a result.
func (s *Server) dispatchDirect(w http.ResponseWriter, r *http.Request, graph engine.StepGraph, matches []router.Match) bool {
	if len(graph.Steps) != 1 {
		return false
	}
	step := graph.Steps[0]
	res, err := s.eng.Dispatch(r.Context(), step.Tool, step.Action, step.Parameters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return true
	}
	if res != nil && res.Decision != nil {
		return false
	}
	out := submitResponse{Title: graph.Title, Matches: matches}
	if res != nil {
		out.Result = res.Content
		out.Data = res.Data
	}
	writeJSON(w, http.StatusOK, out)
	return true
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}

	live := s.eng.List(owner)
	if s.store == nil {
		writeJSON(w, http.StatusOK, live)
		return
	}

	// Merge in persisted workflows the engine no longer tracks.
	persisted, err := s.store.ListByOwner(owner)
	if err != nil {
		log.Printf("server: list persisted workflows for %s: %v", owner, err)
		writeJSON(w, http.StatusOK, live)
		return
	}
	seen := make(map[string]bool, len(live))
	for _, wf := range live {
		seen[wf.ID] = true
	}
	for _, wf := range persisted {
		if !seen[wf.ID] {
			live = append(live, wf)
		}
	}
	writeJSON(w, http.StatusOK, live)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := s.eng.Snapshot(id)
	if errors.Is(err, engine.ErrNotFound) && s.store != nil {
		wf, err = s.store.Get(id)
	}
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	err := s.eng.Cancel(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type decisionRequest struct {
	Option string `json:"option"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Option == "" {
		writeError(w, http.StatusBadRequest, "option is required")
		return
	}

	err := s.eng.Resume(r.PathValue("id"), r.PathValue("stepID"), req.Option)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
