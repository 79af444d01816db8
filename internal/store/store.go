// Package store provides storage backends for IntakePipe.
//
// It persists interview sessions, their transcripts and the question catalog.
// Implementations exist for memory, SQLite and PostgreSQL.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// Store is the persistence contract of the interview engine.
type Store interface {
	// CreateSession inserts a new session. It returns models.ErrSessionExists when the ID is taken.
	CreateSession(ctx context.Context, s *models.InterviewSession) error
	// LoadSession returns a private copy of the session or models.ErrSessionNotFound.
	LoadSession(ctx context.Context, id string) (*models.InterviewSession, error)
	// SaveSession atomically writes the session row and appends transcript messages
	// not yet stored. A stored COMPLETED or CANCELLED session is never overwritten;
	// SaveSession returns *models.TerminalStateError instead.
	SaveSession(ctx context.Context, s *models.InterviewSession) error
	// AppendTranscript appends one message to a non-terminal session.
	AppendTranscript(ctx context.Context, id string, msg models.TranscriptMessage) error
	// CancelSession moves an IN_PROGRESS session to CANCELLED without touching any other field.
	CancelSession(ctx context.Context, id string, at time.Time) (*models.InterviewSession, error)

	// ListActiveQuestions returns active catalog entries ordered by order.
	ListActiveQuestions(ctx context.Context) ([]models.QuestionDefinition, error)
	// SaveQuestion inserts or replaces a catalog entry by key.
	SaveQuestion(ctx context.Context, q models.QuestionDefinition) error
	// DeleteQuestion removes a catalog entry. Missing keys are ignored.
	DeleteQuestion(ctx context.Context, key string) error
	// CatalogRevision increases on every catalog write.
	CatalogRevision(ctx context.Context) (int64, error)

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for
// postgres:// URLs and key=value connection strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	for _, key := range []string{"host=", "user=", "dbname=", "password=", "sslmode="} {
		if strings.Contains(d, key) && strings.Contains(d, " ") {
			return "postgres"
		}
	}
	return "sqlite3"
}

// New opens the backend matching dsn.
func New(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
