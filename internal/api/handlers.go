// Package api provides HTTP handlers for IntakePipe endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// createSessionHandler handles POST /sessions
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	st, err := s.machine.CreateSession(r.Context(), strings.TrimSpace(req.SessionID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Debug("Server.createSessionHandler: session created", "sessionID", st.Session.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(st))
}

// getSessionHandler handles GET /sessions/{id}
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.machine.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// startSessionHandler handles POST /sessions/{id}/start
func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.machine.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeState(w, st)
}

// currentQuestionHandler handles GET /sessions/{id}/question
func (s *Server) currentQuestionHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.machine.GetCurrentQuestion(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeState(w, st)
}

// submitResponseHandler handles POST /sessions/{id}/responses
func (s *Server) submitResponseHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitResponseRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.QuestionKey) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("questionKey is required"))
		return
	}
	st, err := s.machine.SubmitResponse(r.Context(), r.PathValue("id"), req.QuestionKey, req.Value)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeState(w, st)
}

// goBackHandler handles POST /sessions/{id}/back
func (s *Server) goBackHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.machine.GoBack(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeState(w, st)
}

// chatHandler handles POST /sessions/{id}/chat
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Assistant is not configured"))
		return
	}
	var req models.ChatRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	reply, err := s.assistant.SendMessage(r.Context(), r.PathValue("id"), req.Message)
	if errors.Is(err, models.ErrFunctionCallLoopExceeded) && reply != nil {
		slog.Warn("Server.chatHandler: assistant gave up after repeated function calls", "sessionID", r.PathValue("id"))
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(models.RephraseMessage, reply))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

// runActionHandler handles POST /sessions/{id}/actions/{name}
func (s *Server) runActionHandler(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if !decodeJSON(w, r, &params, true) {
		return
	}
	name := r.PathValue("name")
	res, err := s.machine.RunAction(r.Context(), r.PathValue("id"), name, params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !res.Success {
		writeError(w, r, &models.ActionFailure{Action: name, Message: res.Error})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// completeHandler handles POST /sessions/{id}/complete
func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.machine.CompleteInterview(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Completed(st))
}

// cancelHandler handles POST /sessions/{id}/cancel
func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.machine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session cancelled", st))
}

// progressHandler handles GET /sessions/{id}/progress
func (s *Server) progressHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.machine.GetProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

// writeState reports "completed" once an active session has no question left.
func writeState(w http.ResponseWriter, st *flow.State) {
	if st.Question == nil && !st.Session.Status.IsTerminal() {
		writeJSONResponse(w, http.StatusOK, models.Completed(st))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}
