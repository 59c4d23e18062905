package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/helixmix/internal/config"
	"github.com/danshapiro/helixmix/internal/engine"
	"github.com/danshapiro/helixmix/internal/events"
	"github.com/danshapiro/helixmix/internal/runtime"
)

// validRunID matches ULIDs, UUIDs, and other safe identifiers.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   len(s.registry.List()),
		"active": s.registry.Active(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.List()
	sort.Strings(ids)
	out := make([]RunStatus, 0, len(ids))
	for _, id := range ids {
		if rs, ok := s.registry.Get(id); ok {
			out = append(out, rs.Status())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// buildRequest turns a submit body into a run request.
func buildRequest(body SubmitRunRequest) (runtime.Request, error) {
	if body.ConfigPath != "" {
		rcf, err := config.LoadRunConfigFile(body.ConfigPath)
		if err != nil {
			return runtime.Request{}, fmt.Errorf("invalid config: %w", err)
		}
		req := rcf.Request(body.Prompt)
		req.RunID = body.RunID
		return req, nil
	}
	req := runtime.Request{
		RunID:           body.RunID,
		UserPrompt:      body.Prompt,
		AttachedPaths:   body.AttachedPaths,
		CategoryToModel: map[runtime.Category]string{},
		Config:          body.Config,
	}
	for k, v := range body.CategoryModels {
		c, err := runtime.ParseCategory(k)
		if err != nil {
			return runtime.Request{}, fmt.Errorf("category_models: %w", err)
		}
		req.CategoryToModel[c] = strings.TrimSpace(v)
	}
	return req, nil
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.config.NewEngine == nil {
		writeError(w, http.StatusServiceUnavailable, "run submission is not configured")
		return
	}
	var body SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	req, err := buildRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserPrompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	req.RunID = strings.TrimSpace(req.RunID)
	if req.RunID == "" {
		req.RunID = engine.NewRunID()
	}
	if !validRunID.MatchString(req.RunID) {
		writeError(w, http.StatusBadRequest, "run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	bus := events.NewBus(s.log)
	broadcaster := NewBroadcaster()
	recorder := &events.Recorder{}
	bus.Subscribe(broadcaster)
	bus.Subscribe(recorder)
	eng := s.config.NewEngine(bus)

	rs := &RunState{
		RunID:       req.RunID,
		Broadcaster: broadcaster,
		Events:      recorder,
		Cancel:      eng.Cancel,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.registry.Register(req.RunID, rs); err != nil {
		bus.Close()
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		res, err := eng.Run(s.baseCtx, req)
		// Deliver every queued event before the run is marked finished.
		bus.Close()
		rs.SetResult(res, err)
		broadcaster.Close()
		s.log.Info("run finished", zap.String("run_id", req.RunID), zap.String("status", string(res.Status)))
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": req.RunID,
		"status": "accepted",
	})
}

// lookup resolves the {id} path value or writes the error response.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*RunState, bool) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return nil, false
	}
	rs, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return nil, false
	}
	return rs, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rs.Status())
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	WriteSSE(w, r, rs.Broadcaster)
}

func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	WriteWS(w, r, rs.Broadcaster, rs.RunID, &s.upgrader, s.log)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if rs.Done() {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	if rs.Cancel != nil {
		rs.Cancel()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
