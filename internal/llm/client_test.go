package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCompleteSendsPromptAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		var req chatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "plan this" {
			t.Errorf("messages = %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: `{"title":"ok"}`}}},
		})
	}))
	defer srv.Close()

	cl := NewClient(srv.URL+"/v1", "sk-test", "gpt-4o-mini")
	got, err := cl.Complete(context.Background(), "plan this")
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"title":"ok"}` {
		t.Errorf("content = %q", got)
	}
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{
			Error: &apiError{Message: "model overloaded", Type: "server_error"},
		})
	}))
	defer srv.Close()

	cl := NewClient(srv.URL, "", "m")
	_, err := cl.Complete(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("err = %v", err)
	}
}

func TestCompleteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cl := NewClient(srv.URL, "bad", "m")
	_, err := cl.Complete(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Errorf("err = %v", err)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	cl := NewClient(srv.URL, "", "m")
	if _, err := cl.Complete(context.Background(), "x"); err == nil {
		t.Error("expected error for empty choices")
	}
}
