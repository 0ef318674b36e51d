package server

import (
	"errors"
	"net/http"

	"github.com/MrWong99/podscript/internal/observe"
	"github.com/MrWong99/podscript/internal/session"
)

type createSessionRequest struct {
	Username string `json:"username"`
}

type appendMessageRequest struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	SequenceID string `json:"sequence_id"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req createSessionRequest
	if err := decodeOptional(data, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.sessions.Create(r.Context(), req.Username)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	observe.Logger(r.Context()).Info("session created", "session_id", sess.ID, "username", sess.Username)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) appendMessage(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req appendMessageRequest
	if err := decodeOptional(data, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	msg, err := s.sessions.AppendMessage(r.Context(), id, session.Message{
		Role:       req.Role,
		Content:    req.Content,
		SequenceID: req.SequenceID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	observe.Logger(r.Context()).Debug("message appended",
		"session_id", id, "role", msg.Role, "clip", msg.SequenceID != "")
	writeJSON(w, http.StatusCreated, msg)
}

// fail maps err to a status code and writes it as a JSON error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidMessage), errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errNoLLM):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case r.Context().Err() != nil:
		// Client is gone; nobody reads the response.
	default:
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
