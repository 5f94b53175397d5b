package tools

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	exec := &HTTPExecutor{Client: srv.Client()}
	res, err := exec.Execute(context.Background(), "get", map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != `{"ok":true}` {
		t.Errorf("Content = %q", res.Content)
	}
	if res.Data["status_code"] != http.StatusOK {
		t.Errorf("status_code = %v", res.Data["status_code"])
	}
}

func TestHTTPPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"weft"}` {
			t.Errorf("body = %q", body)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	}))
	defer srv.Close()

	exec := &HTTPExecutor{Client: srv.Client()}
	res, err := exec.Execute(context.Background(), "post", map[string]any{
		"url":  srv.URL,
		"body": `{"name":"weft"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "created" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.Data["status_code"] != http.StatusCreated {
		t.Errorf("status_code = %v", res.Data["status_code"])
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	exec := &HTTPExecutor{Client: srv.Client()}
	_, err := exec.Execute(context.Background(), "get", map[string]any{"url": srv.URL})
	if err == nil {
		t.Fatal("expected error for 403")
	}
	if !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "nope") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestHTTPMissingURL(t *testing.T) {
	exec := &HTTPExecutor{}
	if _, err := exec.Execute(context.Background(), "get", map[string]any{}); err == nil {
		t.Error("expected error for missing url")
	}
}

func TestHTTPUnknownAction(t *testing.T) {
	exec := &HTTPExecutor{}
	if _, err := exec.Execute(context.Background(), "delete", map[string]any{"url": "http://example.com"}); err == nil {
		t.Error("expected error for unknown action")
	}
}
