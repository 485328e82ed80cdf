package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tidemill/keel/internal/record"
)

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Phase         string `json:"phase"`
	Cursor        int64  `json:"cursor"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// BlacklistResponse is the body of GET /v1/blacklist.
type BlacklistResponse struct {
	Entries []int64 `json:"entries"`
}

// SubmitRequest is the body of POST /v1/commands. Commands that do not yet
// address an entity may omit the key.
type SubmitRequest struct {
	Key       int64           `json:"key"`
	ValueType string          `json:"valueType"`
	Intent    string          `json:"intent"`
	Value     json.RawMessage `json:"value"`
}

// SubmitResponse is the body of POST /v1/commands. Rejection fields are set
// only when the engine rejected the command.
type SubmitResponse struct {
	Position        int64           `json:"position"`
	Key             int64           `json:"key,omitempty"`
	Intent          string          `json:"intent,omitempty"`
	Rejected        bool            `json:"rejected"`
	RejectionType   string          `json:"rejectionType,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	Value           json.RawMessage `json:"value,omitempty"`
}

// ErrorResponse is the body of all error replies.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"phase":          s.processor.Phase().String(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		Phase:         s.processor.Phase().String(),
		Cursor:        s.processor.Cursor(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.blacklist.Entries(r.Context())
	if err != nil {
		s.logger.Error("failed to read blacklist", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read blacklist")
		return
	}
	if entries == nil {
		entries = []int64{}
	}
	respondJSON(w, http.StatusOK, BlacklistResponse{Entries: entries})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.processor.Pause(); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.processor.Resume(); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.handleStatus(w, r)
}

// handleSubmitCommand appends a command to the stream. With ?wait=true it
// blocks until the engine commits a response; otherwise it returns 202 with
// the assigned stream position.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ValueType == "" || req.Intent == "" {
		s.writeError(w, http.StatusBadRequest, "valueType and intent are required")
		return
	}

	key := req.Key
	if key == 0 {
		key = record.KeyAbsent
	}

	wait := r.URL.Query().Get("wait") == "true"
	ctx := r.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SubmitTimeout)
		defer cancel()
	}

	cmd, resp, err := s.processor.SubmitCommand(ctx, key,
		record.ValueType(req.ValueType), record.Intent(req.Intent), req.Value, wait)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		respondJSON(w, http.StatusAccepted, SubmitResponse{Position: cmd.Position})
		return
	case err != nil:
		s.logger.Error("failed to submit command", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to submit command")
		return
	}

	if !wait {
		respondJSON(w, http.StatusAccepted, SubmitResponse{Position: cmd.Position})
		return
	}

	out := SubmitResponse{
		Position: cmd.Position,
		Key:      resp.Key,
		Intent:   string(resp.Intent),
		Rejected: resp.Rejected(),
		Value:    resp.Value,
	}
	if resp.Rejected() {
		out.RejectionType = string(resp.RejectionType)
		out.RejectionReason = resp.RejectionReason
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
