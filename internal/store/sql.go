package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db   *sql.DB
	name string
	// rowLock is appended to status reads inside write transactions.
	rowLock string
	bind    func(string) string
}

const sessionColumns = `id, status, current_step, actions_run_step, responses, external_data,
	action_fingerprints, created_at, updated_at, completed_at, cancelled_at`

func (s *sqlStore) q(query string) string {
	if s.bind == nil {
		return query
	}
	return s.bind(query)
}

func (s *sqlStore) CreateSession(ctx context.Context, sess *models.InterviewSession) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	responses, external, fingerprints, err := encodeSessionMaps(sess)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`INSERT INTO interview_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		sess.ID, string(sess.Status), sess.CurrentStep, sess.ActionsRunStep, responses, external, fingerprints,
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(), nullTime(sess.CompletedAt), nullTime(sess.CancelledAt))
	if err != nil {
		slog.Error(s.name+" CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionExists
	}
	if err := s.insertTranscript(ctx, tx, sess.ID, 0, sess.Transcript); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session %s: %w", sess.ID, err)
	}
	slog.Debug(s.name+" CreateSession succeeded", "sessionID", sess.ID)
	return nil
}

func (s *sqlStore) LoadSession(ctx context.Context, id string) (*models.InterviewSession, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM interview_sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error(s.name+" LoadSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT role, content, function_call, function_result, question_key, created_at
		FROM transcript_messages WHERE session_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		msg, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		sess.Transcript = append(sess.Transcript, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transcript for %s: %w", id, err)
	}
	return sess, nil
}

func (s *sqlStore) SaveSession(ctx context.Context, sess *models.InterviewSession) error {
	responses, external, fingerprints, err := encodeSessionMaps(sess)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE interview_sessions SET status = ?, current_step = ?, actions_run_step = ?,
		responses = ?, external_data = ?, action_fingerprints = ?, updated_at = ?, completed_at = ?, cancelled_at = ?
		WHERE id = ? AND status NOT IN ('COMPLETED', 'CANCELLED')`),
		string(sess.Status), sess.CurrentStep, sess.ActionsRunStep, responses, external, fingerprints,
		sess.UpdatedAt.UTC(), nullTime(sess.CompletedAt), nullTime(sess.CancelledAt), sess.ID)
	if err != nil {
		slog.Error(s.name+" SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainRejectedWrite(ctx, tx, sess.ID)
	}

	var stored int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM transcript_messages WHERE session_id = ?`), sess.ID).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count transcript for %s: %w", sess.ID, err)
	}
	if stored < len(sess.Transcript) {
		if err := s.insertTranscript(ctx, tx, sess.ID, stored, sess.Transcript[stored:]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session %s: %w", sess.ID, err)
	}
	slog.Debug(s.name+" SaveSession succeeded", "sessionID", sess.ID, "status", sess.Status, "currentStep", sess.CurrentStep)
	return nil
}

func (s *sqlStore) AppendTranscript(ctx context.Context, id string, msg models.TranscriptMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, s.q(`SELECT status FROM interview_sessions WHERE id = ?`+s.rowLock), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read session %s: %w", id, err)
	}
	if models.SessionStatus(status).IsTerminal() {
		return &models.TerminalStateError{SessionID: id, Status: models.SessionStatus(status)}
	}
	var stored int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM transcript_messages WHERE session_id = ?`), id).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count transcript for %s: %w", id, err)
	}
	if err := s.insertTranscript(ctx, tx, id, stored, []models.TranscriptMessage{msg}); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE interview_sessions SET updated_at = ? WHERE id = ?`), msg.CreatedAt.UTC(), id); err != nil {
		return fmt.Errorf("failed to touch session %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *sqlStore) CancelSession(ctx context.Context, id string, at time.Time) (*models.InterviewSession, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE interview_sessions SET status = 'CANCELLED', cancelled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'IN_PROGRESS'`), at.UTC(), at.UTC(), id)
	if err != nil {
		slog.Error(s.name+" CancelSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to cancel session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	sess, err := s.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, rejectCancel(sess)
	}
	slog.Debug(s.name+" CancelSession succeeded", "sessionID", id)
	return sess, nil
}

func (s *sqlStore) ListActiveQuestions(ctx context.Context) ([]models.QuestionDefinition, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT definition FROM questions WHERE is_active = ? ORDER BY sort_order, question_key`), true)
	if err != nil {
		slog.Error(s.name+" ListActiveQuestions failed", "error", err)
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	defer rows.Close()
	var out []models.QuestionDefinition
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		var q models.QuestionDefinition
		if err := json.Unmarshal([]byte(def), &q); err != nil {
			return nil, fmt.Errorf("failed to decode question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveQuestion(ctx context.Context, q models.QuestionDefinition) error {
	if err := q.Validate(); err != nil {
		return err
	}
	def, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode question %s: %w", q.Key, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO questions (question_key, sort_order, is_active, definition, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (question_key) DO UPDATE SET sort_order = excluded.sort_order, is_active = excluded.is_active,
		definition = excluded.definition, updated_at = excluded.updated_at`),
		q.Key, q.Order, q.IsActive, string(def), time.Now().UTC())
	if err != nil {
		slog.Error(s.name+" SaveQuestion failed", "error", err, "key", q.Key)
		return fmt.Errorf("failed to save question %s: %w", q.Key, err)
	}
	if err := s.bumpRevision(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) DeleteQuestion(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM questions WHERE question_key = ?`), key)
	if err != nil {
		return fmt.Errorf("failed to delete question %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if err := s.bumpRevision(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) CatalogRevision(ctx context.Context) (int64, error) {
	var rev int64
	if err := s.db.QueryRowContext(ctx, `SELECT revision FROM catalog_revision WHERE id = 1`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("failed to read catalog revision: %w", err)
	}
	return rev, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) bumpRevision(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `UPDATE catalog_revision SET revision = revision + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to bump catalog revision: %w", err)
	}
	return nil
}

// explainRejectedWrite maps a guarded UPDATE that matched no row to the right error.
func (s *sqlStore) explainRejectedWrite(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM interview_sessions WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read session %s: %w", id, err)
	}
	slog.Warn(s.name+" SaveSession rejected for terminal session", "sessionID", id, "status", status)
	return &models.TerminalStateError{SessionID: id, Status: models.SessionStatus(status)}
}

func (s *sqlStore) insertTranscript(ctx context.Context, tx *sql.Tx, id string, startSeq int, msgs []models.TranscriptMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO transcript_messages
		(session_id, seq, role, content, function_call, function_result, question_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare transcript insert: %w", err)
	}
	defer stmt.Close()
	for i, m := range msgs {
		var call, result string
		if m.FunctionCall != nil {
			if call, err = encodeJSON(m.FunctionCall); err != nil {
				return fmt.Errorf("failed to encode function call: %w", err)
			}
		}
		if m.FunctionResult != nil {
			if result, err = encodeJSON(m.FunctionResult); err != nil {
				return fmt.Errorf("failed to encode function result: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx, id, startSeq+i, string(m.Role), m.Content,
			nilIfEmpty(call), nilIfEmpty(result), nilIfEmpty(m.QuestionKey), m.CreatedAt.UTC()); err != nil {
			slog.Error(s.name+" insert transcript failed", "error", err, "sessionID", id, "seq", startSeq+i)
			return fmt.Errorf("failed to insert transcript message: %w", err)
		}
	}
	return nil
}

func encodeSessionMaps(sess *models.InterviewSession) (responses, external, fingerprints string, err error) {
	if responses, err = encodeJSON(nonNilMap(sess.Responses)); err != nil {
		return "", "", "", fmt.Errorf("failed to encode responses: %w", err)
	}
	if external, err = encodeJSON(nonNilMap(sess.ExternalData)); err != nil {
		return "", "", "", fmt.Errorf("failed to encode external data: %w", err)
	}
	fp := sess.ActionFingerprints
	if fp == nil {
		fp = map[string]string{}
	}
	if fingerprints, err = encodeJSON(fp); err != nil {
		return "", "", "", fmt.Errorf("failed to encode action fingerprints: %w", err)
	}
	return responses, external, fingerprints, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func scanSession(row *sql.Row) (*models.InterviewSession, error) {
	var (
		sess                                    models.InterviewSession
		status, responses, external, fingerprts string
		completedAt, cancelledAt                sql.NullTime
	)
	if err := row.Scan(&sess.ID, &status, &sess.CurrentStep, &sess.ActionsRunStep, &responses, &external,
		&fingerprts, &sess.CreatedAt, &sess.UpdatedAt, &completedAt, &cancelledAt); err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	var err error
	if sess.Responses, err = decodeMap(responses); err != nil {
		return nil, err
	}
	if sess.ExternalData, err = decodeMap(external); err != nil {
		return nil, err
	}
	sess.ActionFingerprints = map[string]string{}
	if err := decodeJSON(fingerprts, &sess.ActionFingerprints); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		sess.CancelledAt = &t
	}
	sess.Transcript = []models.TranscriptMessage{}
	return &sess, nil
}

func scanTranscript(rows *sql.Rows) (models.TranscriptMessage, error) {
	var (
		m                          models.TranscriptMessage
		role                       string
		call, result, questionKey sql.NullString
	)
	if err := rows.Scan(&role, &m.Content, &call, &result, &questionKey, &m.CreatedAt); err != nil {
		return m, fmt.Errorf("scan transcript message failed: %w", err)
	}
	m.Role = models.MessageRole(role)
	m.QuestionKey = questionKey.String
	if call.Valid {
		m.FunctionCall = &models.FunctionCall{}
		if err := decodeJSON(call.String, m.FunctionCall); err != nil {
			return m, err
		}
	}
	if result.Valid {
		m.FunctionResult = &models.FunctionResult{}
		if err := decodeJSON(result.String, m.FunctionResult); err != nil {
			return m, err
		}
	}
	return m, nil
}

// rejectCancel returns the error for a cancel that matched no IN_PROGRESS row.
func rejectCancel(sess *models.InterviewSession) error {
	if sess.Status.IsTerminal() {
		return &models.TerminalStateError{SessionID: sess.ID, Status: sess.Status}
	}
	return fmt.Errorf("cannot cancel session %s in status %s: %w", sess.ID, sess.Status, models.ErrInvalidTransition)
}
