package realtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	apperr "polyrun/internal/errors"
	"polyrun/internal/session"
)

const defaultHistoryLimit = 50

type createSessionRequest struct {
	Language    string `json:"language"`
	Source      string `json:"source"`
	Interactive bool   `json:"interactive"`
}

type sendInputRequest struct {
	Data []byte `json:"data"`
	EOF  bool   `json:"eof"`
}

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	e := apperr.GetError(err)
	status := e.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("code", string(e.Code)), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{
		Code:    string(e.Code),
		Message: e.Error(),
		Details: e.Details,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Wrapf(err, apperr.InvalidParams, "invalid request body"))
		return
	}
	if req.Language == "" {
		s.writeError(w, apperr.Newf(apperr.InvalidParams, "language is required"))
		return
	}

	sess, err := s.sessionMgr.StartSession(r.Context(), req.Language, req.Source, req.Interactive)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleListSessions returns live sessions, or recently ended ones with
// ?history=N.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("history")
	if raw == "" {
		writeJSON(w, http.StatusOK, s.sessionMgr.List())
		return
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		s.writeError(w, apperr.Newf(apperr.InvalidParams, "history must be a non-negative integer"))
		return
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	past, err := s.sessionMgr.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, past)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSessionOutput returns the buffered output of a session without
// waiting for more.
func (s *Server) handleSessionOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	subID, _, history, err := s.sessionMgr.Subscribe(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sessionMgr.Unsubscribe(id, subID)

	if history == nil {
		history = []session.OutputEvent{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Wrapf(err, apperr.InvalidParams, "invalid request body"))
		return
	}
	if len(req.Data) == 0 && !req.EOF {
		s.writeError(w, apperr.Newf(apperr.InvalidParams, "data or eof is required"))
		return
	}

	if len(req.Data) > 0 {
		if err := s.sessionMgr.SendInput(id, req.Data); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.EOF {
		if err := s.sessionMgr.CloseInput(id); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessionMgr.StopSession(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, languageInfos(s.registry))
}

func (s *Server) handleGetLanguage(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Resolve(r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, languageInfo(p))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessionMgr.Active(),
	})
}
