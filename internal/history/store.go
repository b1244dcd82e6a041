package history

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"uvccam/internal/logging"
	"uvccam/internal/session"

	"github.com/oklog/ulid/v2"
)

// Run outcomes.
const (
	OutcomeRunning   = "running"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeStopped   = "stopped"
	OutcomeRejected  = "rejected"
)

// DefaultLimit caps ListRuns when no limit is given.
const DefaultLimit = 100

// Run is one attempt to start a capture.
type Run struct {
	ID         string     `json:"id"`
	CaptureID  string     `json:"captureId"`
	Outcome    string     `json:"outcome"`
	ErrorCode  string     `json:"errorCode,omitempty"`
	Diagnostic string     `json:"diagnostic,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Artifacts  int        `json:"artifacts"`
}

// Artifact is a file a run produced.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId,omitempty"`
	CaptureID string    `json:"captureId"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists capture history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Open opens the history database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:      db,
		logger:  logging.Component(logger, "history"),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newID(t time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Observe records a session event. It is meant to be registered with
// session.Manager.OnEvent; failures are logged, not returned.
func (s *Store) Observe(ev session.Event) {
	if err := s.Record(context.Background(), ev); err != nil {
		s.logger.Error("record event failed", logging.KeySession, ev.SessionID, "kind", ev.Kind, "error", err)
	}
}

// Record applies one event to the history:
//
//   - start opens a run, or records a rejected one when it carries an error
//   - read adds an artifact to the open run
//   - stop and exit close the open run
//
// Raw directory events and failed stops are ignored.
func (s *Store) Record(ctx context.Context, ev session.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	switch ev.Kind {
	case "start":
		if ev.Error != "" {
			return s.insertRun(ctx, ev.SessionID, OutcomeRejected, ev.Code, ev.Error, ts, &ts)
		}
		return s.insertRun(ctx, ev.SessionID, OutcomeRunning, "", "", ts, nil)

	case "read":
		runID, err := s.openRun(ctx, ev.SessionID)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO artifacts (id, run_id, capture_id, filename, created_at) VALUES (?, ?, ?, ?, ?)`,
			s.newID(ts), nullString(runID), ev.SessionID, ev.Filename, ts.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		return nil

	case "stop":
		if ev.Error != "" {
			return nil
		}
		return s.closeRun(ctx, ev.SessionID, OutcomeStopped, "", "", ts)

	case "exit":
		outcome := OutcomeCompleted
		if ev.Error != "" {
			outcome = OutcomeFailed
		}
		runID, err := s.openRun(ctx, ev.SessionID)
		if err != nil {
			return err
		}
		if runID == "" {
			// Spawn failures exit without ever opening a run.
			return s.insertRun(ctx, ev.SessionID, outcome, ev.Code, ev.Diagnostic, ts, &ts)
		}
		return s.closeRun(ctx, ev.SessionID, outcome, ev.Code, ev.Diagnostic, ts)
	}
	return nil
}

func (s *Store) insertRun(ctx context.Context, captureID, outcome, code, diag string, started time.Time, ended *time.Time) error {
	var endedAt sql.NullInt64
	if ended != nil {
		endedAt = sql.NullInt64{Int64: ended.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, capture_id, outcome, error_code, diagnostic, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.newID(started), captureID, outcome, nullString(code), nullString(diag), started.UnixMilli(), endedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// openRun returns the ID of the capture's running run, or "".
func (s *Store) openRun(ctx context.Context, captureID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE capture_id = ? AND outcome = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		captureID, OutcomeRunning).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find open run: %w", err)
	}
	return id, nil
}

func (s *Store) closeRun(ctx context.Context, captureID, outcome, code, diag string, ended time.Time) error {
	runID, err := s.openRun(ctx, captureID)
	if err != nil || runID == "" {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET outcome = ?, error_code = ?, diagnostic = ?, ended_at = ? WHERE id = ?`,
		outcome, nullString(code), nullString(diag), ended.UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first. An empty captureID lists every
// capture. limit <= 0 means DefaultLimit.
func (s *Store) ListRuns(ctx context.Context, captureID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `
		SELECT r.id, r.capture_id, r.outcome, r.error_code, r.diagnostic, r.started_at, r.ended_at,
		       (SELECT COUNT(*) FROM artifacts a WHERE a.run_id = r.id)
		FROM runs r`
	args := []any{}
	if captureID != "" {
		query += ` WHERE r.capture_id = ?`
		args = append(args, captureID)
	}
	query += ` ORDER BY r.started_at DESC, r.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r         Run
			code      sql.NullString
			diag      sql.NullString
			startedAt int64
			endedAt   sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.CaptureID, &r.Outcome, &code, &diag, &startedAt, &endedAt, &r.Artifacts); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.ErrorCode = code.String
		r.Diagnostic = diag.String
		r.StartedAt = time.UnixMilli(startedAt).UTC()
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64).UTC()
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListArtifacts returns the artifacts of one run in creation order.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, capture_id, filename, created_at FROM artifacts WHERE run_id = ? ORDER BY created_at, id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []Artifact{}
	for rows.Next() {
		var (
			a         Artifact
			run       sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &run, &a.CaptureID, &a.Filename, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.RunID = run.String
		a.CreatedAt = time.UnixMilli(createdAt).UTC()
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
