package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// InMemoryStore is a process-local store. It hands out copies so callers
// never share mutable state with the stored snapshot.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.InterviewSession
	questions map[string]models.QuestionDefinition
	revision  int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]*models.InterviewSession),
		questions: make(map[string]models.QuestionDefinition),
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, sess *models.InterviewSession) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return models.ErrSessionExists
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *InMemoryStore) LoadSession(_ context.Context, id string) (*models.InterviewSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) SaveSession(_ context.Context, sess *models.InterviewSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return models.ErrSessionNotFound
	}
	if cur.Status.IsTerminal() {
		return &models.TerminalStateError{SessionID: sess.ID, Status: cur.Status}
	}
	next := sess.Clone()
	// The transcript is append-only: keep stored entries and take only the new tail.
	if len(next.Transcript) < len(cur.Transcript) {
		next.Transcript = append(next.Transcript, cur.Transcript[len(next.Transcript):]...)
	}
	s.sessions[sess.ID] = next
	return nil
}

func (s *InMemoryStore) AppendTranscript(_ context.Context, id string, msg models.TranscriptMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return models.ErrSessionNotFound
	}
	if cur.Status.IsTerminal() {
		return &models.TerminalStateError{SessionID: id, Status: cur.Status}
	}
	next := cur.Clone()
	next.Transcript = append(next.Transcript, msg.Clone())
	next.UpdatedAt = msg.CreatedAt
	s.sessions[id] = next
	return nil
}

func (s *InMemoryStore) CancelSession(_ context.Context, id string, at time.Time) (*models.InterviewSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	if cur.Status != models.SessionStatusInProgress {
		return nil, rejectCancel(cur)
	}
	next := cur.Clone()
	next.Status = models.SessionStatusCancelled
	next.CancelledAt = &at
	next.UpdatedAt = at
	s.sessions[id] = next
	return next.Clone(), nil
}

func (s *InMemoryStore) ListActiveQuestions(_ context.Context) ([]models.QuestionDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.QuestionDefinition, 0, len(s.questions))
	for _, q := range s.questions {
		if q.IsActive {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (s *InMemoryStore) SaveQuestion(_ context.Context, q models.QuestionDefinition) error {
	if err := q.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[q.Key] = q
	s.revision++
	return nil
}

func (s *InMemoryStore) DeleteQuestion(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[key]; ok {
		delete(s.questions, key)
		s.revision++
	}
	return nil
}

func (s *InMemoryStore) CatalogRevision(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
