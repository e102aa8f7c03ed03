package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-lora/internal/config"
	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": s.engine.IsEnabled()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Config())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg, err := config.FromJSON(body)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if err := s.engine.Reconfigure(cfg); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.logger.Info("engine reconfigured over http")
	s.respondJSON(w, http.StatusOK, s.engine.Config())
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := decode(r, &req); err != nil || req.Enabled == nil {
		s.respondError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	s.engine.SetEnabled(*req.Enabled)
	s.respondJSON(w, http.StatusOK, map[string]bool{"enabled": s.engine.IsEnabled()})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Flush())
}

func (s *Server) handleLearn(w http.ResponseWriter, r *http.Request) {
	res := s.engine.ForceLearn()
	if res.Busy {
		s.respondJSON(w, http.StatusConflict, res)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ran": false}
	if s.engine.Tick() {
		resp["ran"] = true
		resp["cycle"] = s.engine.Stats().LastCycle
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"patterns": s.engine.Patterns()})
}

type searchRequest struct {
	Query []float32 `json:"query"`
	K     int       `json:"k"`
}

func (s *Server) handleSearchPatterns(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.K == 0 {
		req.K = 5
	}
	matches, err := s.engine.FindSimilar(req.Query, req.K)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// decode reads a JSON body, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondEngineError maps engine sentinels to HTTP status codes.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrInvalidInput), errors.Is(err, errs.ErrOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidState), errors.Is(err, errs.ErrCycleRunning):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrDisabled):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}
