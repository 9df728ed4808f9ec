package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/plumehq/plume/internal/breaker"
	"github.com/plumehq/plume/internal/fault"
	"github.com/plumehq/plume/internal/pipeline"
	"github.com/plumehq/plume/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Pipeline runs
	mux.HandleFunc("POST /api/pipelines", s.submitPipeline)
	mux.HandleFunc("GET /api/pipelines", s.listPipelines)
	mux.HandleFunc("GET /api/pipelines/{id}", s.getPipeline)
	mux.HandleFunc("GET /api/pipelines/{id}/result", s.getPipelineResult)
	mux.HandleFunc("POST /api/pipelines/{id}/cancel", s.cancelPipeline)
	mux.HandleFunc("DELETE /api/pipelines/{id}", s.deletePipeline)

	// Registered agents
	mux.HandleFunc("GET /api/agents", s.listAgents)

	// Circuit breakers
	mux.HandleFunc("GET /api/breakers", s.listBreakers)
	mux.HandleFunc("POST /api/breakers/{name}/reset", s.resetBreaker)

	// Stored credentials (names only, values never leave the vault)
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("PUT /api/secrets/{name}", s.putSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) submitPipeline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Config *pipeline.Config `json:"config"`
		Input  *pipeline.Input  `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Config == nil || body.Input == nil {
		jsonError(w, "config and input are required", http.StatusBadRequest)
		return
	}

	runID, err := s.svc.Submit(body.Config, body.Input)
	if err != nil {
		jsonError(w, err.Error(), faultStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"run_id": runID})
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.PipelineRun{}
	}
	jsonResponse(w, runs)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Live runs answer from memory, finished ones from the store
	if status, err := s.svc.Status(id); err == nil {
		jsonResponse(w, status)
		return
	}

	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) getPipelineResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := s.svc.Result(id)
	if err == nil {
		jsonResponse(w, result)
		return
	}

	// The orchestrator forgets runs across restarts; fall back to the
	// persisted results column.
	run, dbErr := s.store.GetRun(id)
	if dbErr == nil && run != nil && len(run.Results) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.Write(run.Results)
		return
	}
	jsonError(w, err.Error(), faultStatus(err))
}

func (s *Server) cancelPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Cancel(id); err != nil {
		jsonError(w, err.Error(), faultStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "cancelled"})
}

func (s *Server) deletePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteRun(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	out := []any{}
	if s.agents != nil {
		for _, id := range s.agents.IDs() {
			a, err := s.agents.Lookup(id)
			if err != nil {
				continue
			}
			out = append(out, a.Metadata())
		}
	}
	jsonResponse(w, out)
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, s.breakers.Snapshots())
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		jsonError(w, "breakers not configured", http.StatusServiceUnavailable)
		return
	}
	name := r.PathValue("name")
	s.breakers.Get(name).ForceClose()
	jsonResponse(w, map[string]string{"status": "closed"})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	if s.keyring == nil {
		jsonResponse(w, []string{})
		return
	}
	names, err := s.keyring.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	jsonResponse(w, names)
}

func (s *Server) putSecret(w http.ResponseWriter, r *http.Request) {
	if s.keyring == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Value == "" {
		jsonError(w, "value is required", http.StatusBadRequest)
		return
	}

	name := r.PathValue("name")
	if err := s.keyring.Put(name, body.Value); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "stored", "name": name})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if s.keyring == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.keyring.Delete(r.PathValue("name")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	runs, _ := s.store.ListRuns()

	counts := map[string]int{}
	for _, run := range runs {
		counts[run.Status]++
	}

	agentCount := 0
	if s.agents != nil {
		agentCount = len(s.agents.IDs())
	}

	openBreakers := 0
	if s.breakers != nil {
		for _, snap := range s.breakers.Snapshots() {
			if snap.State != breaker.StateClosed {
				openBreakers++
			}
		}
	}

	jsonResponse(w, map[string]any{
		"version":       s.version,
		"uptime":        formatUptime(time.Since(s.startedAt)),
		"agents":        agentCount,
		"runs":          counts,
		"open_breakers": openBreakers,
	})
}

// faultStatus maps an error's kind onto an HTTP status code.
func faultStatus(err error) int {
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindInvalidPipelineConfig:
		return http.StatusBadRequest
	case fault.KindAgentNotFound, fault.KindContextNotFound:
		return http.StatusNotFound
	case fault.KindCircuitBreakerOpen, fault.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case fault.KindTimeoutExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
