package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
)

func TestNewNormalizesBaseURL(t *testing.T) {
	c, err := New("localhost:4000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.baseURL != "http://localhost:4000" {
		t.Fatalf("unexpected base url %q", c.baseURL)
	}
}

func TestTriggerBuildSendsTokenAndBody(t *testing.T) {
	var gotAuth string
	var gotBody TriggerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sites/site-1/builds" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(domain.Build{ID: "b1", Status: domain.BuildStatusPending})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, WithToken("tok"))
	build, err := c.TriggerBuild(context.Background(), "site-1", TriggerRequest{Branch: "main"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if build.ID != "b1" || gotAuth != "Bearer tok" || gotBody.Branch != "main" {
		t.Fatalf("unexpected exchange: build=%+v auth=%q body=%+v", build, gotAuth, gotBody)
	}
}

func TestAPIErrorCarriesStatusAndMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"trigger: build already in progress"}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.RetryBuild(context.Background(), "b1")
	if !IsStatus(err, http.StatusConflict) {
		t.Fatalf("expected 409 api error, got %v", err)
	}
	if apiErr, ok := err.(APIError); !ok || apiErr.Message != "trigger: build already in progress" {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestLogsPassesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "7" {
			t.Errorf("expected after=7, got %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"logs": []domain.LogLine{{Seq: 8, Message: "next"}}})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	lines, err := c.Logs(context.Background(), "b1", 7)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(lines) != 1 || lines[0].Seq != 8 {
		t.Fatalf("unexpected lines %+v", lines)
	}
}
