package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"uvccam/internal/capture"
	"uvccam/internal/history"
	"uvccam/internal/protocol"
	"uvccam/internal/session"
)

type createCaptureRequest struct {
	Label   string            `json:"label"`
	Options map[string]string `json:"options"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeManagerError picks the status for an error from the manager.
func writeManagerError(w http.ResponseWriter, err error, fallback string) {
	code := errorCode(err, fallback)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrMaxSessions):
		status = http.StatusTooManyRequests
		code = protocol.ErrMaxSessions
	case errors.Is(err, capture.ErrMissingOption),
		errors.Is(err, capture.ErrInvalidOption),
		errors.Is(err, capture.ErrInvalidMode),
		errors.Is(err, capture.ErrMissingTimelapse):
		status = http.StatusBadRequest
	case errors.Is(err, capture.ErrAlreadyRunning),
		errors.Is(err, capture.ErrNotRunning):
		status = http.StatusConflict
	}
	if c, ok := capture.CodeOf(err); ok && code == fallback {
		code = string(c)
	}
	writeError(w, status, err.Error(), code)
}

func (s *Server) handleCreateCapture(w http.ResponseWriter, r *http.Request) {
	var req createCaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", protocol.ErrInvalidMessage)
		return
	}

	if len(req.Options) == 0 {
		writeError(w, http.StatusBadRequest, "options is required", protocol.ErrInvalidMessage)
		return
	}

	sess, err := s.createCapture(req.Options, req.Label)
	if err != nil {
		writeManagerError(w, err, protocol.ErrCreateFailed)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionMgr.List())
}

func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionMgr.Get(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err, protocol.ErrCaptureNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessionMgr.Start(id); err != nil {
		writeManagerError(w, err, protocol.ErrStartFailed)
		return
	}

	sess, err := s.sessionMgr.Get(id)
	if err != nil {
		writeManagerError(w, err, protocol.ErrCaptureNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessionMgr.Stop(id); err != nil {
		writeManagerError(w, err, protocol.ErrStopFailed)
		return
	}

	sess, err := s.sessionMgr.Get(id)
	if err != nil {
		writeManagerError(w, err, protocol.ErrCaptureNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSetOptions applies every key of a JSON object in sorted order. The
// update is all or nothing.
func (s *Server) handleSetOptions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", protocol.ErrInvalidMessage)
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "no options given", protocol.ErrInvalidMessage)
		return
	}

	if _, err := s.sessionMgr.Get(id); err != nil {
		writeManagerError(w, err, protocol.ErrCaptureNotFound)
		return
	}
	params, err := s.resolveParams(req)
	if err != nil {
		writeManagerError(w, err, protocol.ErrInvalidOption)
		return
	}
	sess, err := s.sessionMgr.SetAll(id, params)
	if err != nil {
		writeManagerError(w, err, protocol.ErrInvalidOption)
		return
	}

	s.broadcastCaptureUpdate(sess)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteCapture(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.sessionMgr.Remove(id); err != nil {
		writeManagerError(w, err, protocol.ErrCaptureNotFound)
		return
	}

	s.broadcastCaptureRemoved(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	dir, artifacts, err := s.sessionMgr.Artifacts(id)
	if err != nil {
		writeManagerError(w, err, protocol.ErrCaptureNotFound)
		return
	}

	writeJSON(w, http.StatusOK, protocol.ArtifactsListPayload{
		CaptureID: id,
		Directory: dir,
		Artifacts: artifacts,
	})
}

// handleHistory lists past runs. Optional query parameters: capture (a
// capture ID) and limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []history.Run{})
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", protocol.ErrInvalidMessage)
			return
		}
		limit = n
	}

	runs, err := s.history.ListRuns(r.Context(), r.URL.Query().Get("capture"), limit)
	if err != nil {
		s.logger.Error("list history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
