package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/plumehq/plume/internal/breaker"
	"github.com/plumehq/plume/internal/config"
	"github.com/plumehq/plume/internal/fault"
	"github.com/plumehq/plume/internal/pipeline"
	"github.com/plumehq/plume/internal/store"
	"github.com/plumehq/plume/internal/vault"
)

type fakeOrchestrator struct {
	submitted []*pipeline.Config
	submitErr error
	cancelled []string
}

func (f *fakeOrchestrator) Submit(cfg *pipeline.Config, input *pipeline.Input) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, cfg)
	return "run-1", nil
}

func (f *fakeOrchestrator) Status(runID string) (*pipeline.Status, error) {
	if runID != "run-1" {
		return nil, fault.New(fault.KindPipelineExecution, "unknown run %s", runID)
	}
	return &pipeline.Status{RunID: runID, State: pipeline.StateRunning}, nil
}

func (f *fakeOrchestrator) Cancel(runID string) error {
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeOrchestrator) Result(runID string) (*pipeline.Result, error) {
	return nil, fault.New(fault.KindPipelineExecution, "run %s not finished", runID)
}

func newTestServer(t *testing.T, auth string) (*Server, *fakeOrchestrator, *store.Store) {
	t.Helper()

	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	orch := &fakeOrchestrator{}
	breakers := breaker.NewRegistry(config.BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		CoolDown:         time.Minute,
	})
	keyring := vault.NewKeyring(vault.New("test-passphrase"), st)

	srv := NewServer(orch, st, nil, nil, breakers, keyring, config.WebConfig{Auth: auth}, "test")
	return srv, orch, st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitPipeline(t *testing.T) {
	srv, orch, _ := newTestServer(t, "")
	handler := srv.Handler()

	body := map[string]any{
		"config": pipeline.Config{
			Name: "p",
			Mode: pipeline.ModeSequential,
			Agents: []pipeline.Definition{
				{ID: "research", Type: "research"},
			},
		},
		"input": pipeline.Input{Subject: "go"},
	}
	rec := doJSON(t, handler, "POST", "/api/pipelines", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["run_id"] != "run-1" {
		t.Errorf("run_id %q", resp["run_id"])
	}
	if len(orch.submitted) != 1 {
		t.Errorf("submitted %d configs", len(orch.submitted))
	}
}

func TestSubmitErrorsMapToHTTPStatus(t *testing.T) {
	srv, orch, _ := newTestServer(t, "")
	orch.submitErr = fault.New(fault.KindInvalidPipelineConfig, "bad config")

	rec := doJSON(t, srv.Handler(), "POST", "/api/pipelines", map[string]any{
		"config": pipeline.Config{Name: "p"},
		"input":  pipeline.Input{Subject: "go"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestGetPipelineFallsBackToStore(t *testing.T) {
	srv, _, st := newTestServer(t, "")

	// Not a live run, but persisted from an earlier process
	err := st.SaveRun(&store.PipelineRun{
		ID:     "old-run",
		Name:   "p",
		Mode:   "sequential",
		Status: "completed",
		Config: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("save run: %v", err)
	}

	rec := doJSON(t, srv.Handler(), "GET", "/api/pipelines/old-run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, srv.Handler(), "GET", "/api/pipelines/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestCancelPipeline(t *testing.T) {
	srv, orch, _ := newTestServer(t, "")

	rec := doJSON(t, srv.Handler(), "POST", "/api/pipelines/run-1/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if len(orch.cancelled) != 1 || orch.cancelled[0] != "run-1" {
		t.Errorf("cancelled %v", orch.cancelled)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	handler := srv.Handler()

	b := srv.breakers.Get("anthropic")
	b.ForceOpen()

	rec := doJSON(t, handler, "GET", "/api/breakers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var snaps []breaker.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 1 || snaps[0].State != breaker.StateOpen {
		t.Fatalf("snapshots %+v", snaps)
	}

	rec = doJSON(t, handler, "POST", "/api/breakers/anthropic/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status %d", rec.Code)
	}
	if b.State() != breaker.StateClosed {
		t.Errorf("breaker state %s after reset", b.State())
	}
}

func TestSecretEndpointsNeverExposeValues(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	handler := srv.Handler()

	rec := doJSON(t, handler, "PUT", "/api/secrets/anthropic_api_key", map[string]string{"value": "sk-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, handler, "GET", "/api/secrets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	var names []string
	if err := json.Unmarshal(rec.Body.Bytes(), &names); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(names) != 1 || names[0] != "anthropic_api_key" {
		t.Fatalf("names %v", names)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("sk-secret")) {
		t.Fatal("secret value leaked through the list endpoint")
	}

	rec = doJSON(t, handler, "DELETE", "/api/secrets/anthropic_api_key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := newTestServer(t, "hunter2")
	handler := srv.withMiddleware(srv.Handler())

	// No credentials
	rec := doJSON(t, handler, "GET", "/api/breakers", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}

	// Basic auth
	req := httptest.NewRequest("GET", "/api/breakers", nil)
	req.SetBasicAuth("", "hunter2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("basic auth status %d", rec.Code)
	}

	// Session via login
	rec = doJSON(t, handler, "POST", "/api/login", map[string]string{"password": "hunter2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login set no session cookie")
	}

	req = httptest.NewRequest("GET", "/api/breakers", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("session status %d", rec.Code)
	}

	// Wrong password
	rec = doJSON(t, handler, "POST", "/api/login", map[string]string{"password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, st := newTestServer(t, "")

	_ = st.SaveRun(&store.PipelineRun{ID: "a", Name: "p", Mode: "parallel", Status: "completed", Config: json.RawMessage(`{}`)})
	_ = st.SaveRun(&store.PipelineRun{ID: "b", Name: "p", Mode: "parallel", Status: "failed", Config: json.RawMessage(`{}`)})

	rec := doJSON(t, srv.Handler(), "GET", "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	var body struct {
		Version string         `json:"version"`
		Runs    map[string]int `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Version != "test" {
		t.Errorf("version %q", body.Version)
	}
	if body.Runs["completed"] != 1 || body.Runs["failed"] != 1 {
		t.Errorf("run counts %v", body.Runs)
	}
}
