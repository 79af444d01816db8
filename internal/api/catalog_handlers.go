package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// catalogResponse is the body of GET /catalog.
type catalogResponse struct {
	Version   string                      `json:"version"`
	Questions []models.QuestionDefinition `json:"questions"`
}

// catalogHandler handles GET /catalog
func (s *Server) catalogHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.catalog.Current(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	qs := snap.Questions
	if qs == nil {
		qs = []models.QuestionDefinition{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(catalogResponse{Version: snap.Version, Questions: qs}))
}

// putQuestionHandler handles PUT /catalog/questions/{key}
func (s *Server) putQuestionHandler(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !decodeJSON(w, r, &raw, false) {
		return
	}
	var q models.QuestionDefinition
	if err := json.Unmarshal(raw, &q); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	key := r.PathValue("key")
	if q.Key == "" {
		q.Key = key
	}
	if q.Key != key {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("question key does not match the URL"))
		return
	}
	if err := q.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.checkOrderUnique(r, q); err != nil {
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	}
	if err := s.st.SaveQuestion(r.Context(), q); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Server.putQuestionHandler: question saved", "key", q.Key, "order", q.Order, "active", q.IsActive)
	writeJSONResponse(w, http.StatusOK, models.Success(q))
}

// deleteQuestionHandler handles DELETE /catalog/questions/{key}
func (s *Server) deleteQuestionHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.st.DeleteQuestion(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Server.deleteQuestionHandler: question deleted", "key", key)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Question deleted", nil))
}

// checkOrderUnique rejects an active question whose order is taken by another key.
func (s *Server) checkOrderUnique(r *http.Request, q models.QuestionDefinition) error {
	if !q.IsActive {
		return nil
	}
	snap, err := s.catalog.Current(r.Context())
	if err != nil {
		return err
	}
	merged := []models.QuestionDefinition{q}
	for _, existing := range snap.Questions {
		if existing.Key != q.Key {
			merged = append(merged, existing)
		}
	}
	return catalog.Check(merged)
}
