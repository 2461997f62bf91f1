package schematics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openfoundry/foundry/pkg/engine"
	"github.com/openfoundry/foundry/pkg/telemetry"
)

func newTestClient(t *testing.T, handler http.Handler, retries int) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Options{
		Endpoint:      server.URL,
		APIKey:        "test-key",
		RetryAttempts: retries,
	}, telemetry.NewNopLogger())
}

func TestCreateOrUpdateWorkspace(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Expected PUT, got %s", r.Method)
		}
		if r.URL.Path != "/v1/workspaces/cfg-1" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Unexpected authorization header: %s", got)
		}

		var def engine.WorkspaceDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		if def.LocatorID != "catalog.version" {
			t.Errorf("Unexpected locator: %s", def.LocatorID)
		}

		json.NewEncoder(w).Encode(map[string]string{"ref": "ws-42"})
	})

	client := newTestClient(t, handler, 0)

	ref, err := client.CreateOrUpdateWorkspace(context.Background(), &engine.WorkspaceDefinition{
		ConfigID:  "cfg-1",
		Name:      "my-config",
		LocatorID: "catalog.version",
	})
	if err != nil {
		t.Fatalf("CreateOrUpdateWorkspace failed: %v", err)
	}
	if ref != "ws-42" {
		t.Errorf("Expected ws-42, got %s", ref)
	}
}

func TestCreateOrUpdateWorkspace_MissingRef(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})

	client := newTestClient(t, handler, 0)

	_, err := client.CreateOrUpdateWorkspace(context.Background(), &engine.WorkspaceDefinition{ConfigID: "cfg-1"})
	if !engine.IsUpstream(err) {
		t.Errorf("Expected an upstream error, got: %v", err)
	}
}

func TestStartJobs(t *testing.T) {
	var gotCommand string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/workspaces/ws-1/jobs" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		var req struct {
			Command string `json:"command"`
			Version int64  `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		gotCommand = req.Command
		if req.Version != 3 {
			t.Errorf("Unexpected version: %d", req.Version)
		}
		json.NewEncoder(w).Encode(map[string]string{"job_id": "job-" + req.Command})
	})

	client := newTestClient(t, handler, 0)
	ctx := context.Background()

	tests := []struct {
		command string
		run     func() (string, error)
	}{
		{"plan", func() (string, error) { return client.RunPlan(ctx, "ws-1", 3) }},
		{"apply", func() (string, error) { return client.RunApply(ctx, "ws-1", 3) }},
		{"destroy", func() (string, error) { return client.RunDestroy(ctx, "ws-1", 3) }},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			jobID, err := tt.run()
			if err != nil {
				t.Fatalf("Run%s failed: %v", tt.command, err)
			}
			if gotCommand != tt.command {
				t.Errorf("Expected command %s, got %s", tt.command, gotCommand)
			}
			if jobID != "job-"+tt.command {
				t.Errorf("Unexpected job id: %s", jobID)
			}
		})
	}
}

func TestGetJobResult(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/jobs/job-1" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(engine.EngineJobResult{
			Status:  engine.JobPassed,
			Summary: engine.RunSummary{Adds: 2, Changes: 1},
		})
	})

	client := newTestClient(t, handler, 0)

	result, err := client.GetJobResult(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJobResult failed: %v", err)
	}
	if result.Status != engine.JobPassed {
		t.Errorf("Expected passed, got %s", result.Status)
	}
	if result.Summary.Adds != 2 {
		t.Errorf("Unexpected summary: %+v", result.Summary)
	}
}

func TestGetJobResult_DefaultsToPending(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{})
	})

	client := newTestClient(t, handler, 0)

	result, err := client.GetJobResult(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJobResult failed: %v", err)
	}
	if result.Status != engine.JobPending {
		t.Errorf("Expected pending, got %s", result.Status)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1"})
	})

	client := newTestClient(t, handler, 2)

	jobID, err := client.RunPlan(context.Background(), "ws-1", 1)
	if err != nil {
		t.Fatalf("Expected retry to succeed, got: %v", err)
	}
	if jobID != "job-1" {
		t.Errorf("Unexpected job id: %s", jobID)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	client := newTestClient(t, handler, 3)

	_, err := client.RunPlan(context.Background(), "ws-1", 1)
	if !engine.IsUpstream(err) {
		t.Errorf("Expected an upstream error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single call, got %d", calls)
	}
}

func TestNotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	client := newTestClient(t, handler, 1)

	_, err := client.GetJobResult(context.Background(), "absent")
	if !engine.IsNotFound(err) {
		t.Errorf("Expected a not-found error, got: %v", err)
	}
}
