// Package store provides session and run persistence using SQLite.
//
// Sessions are keyed by (botID, userID) so multiple bot identities can share
// one database without ever seeing each other's state. Runs reference their
// owning session and carry an ordered transcript in a side table.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session or run does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimedOut  RunStatus = "timed_out"
)

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimedOut:
		return true
	}
	return false
}

// TimeoutKind identifies which watchdog ended a timed-out run.
type TimeoutKind string

const (
	TimeoutNone           TimeoutKind = ""
	TimeoutRun            TimeoutKind = "run_timeout"
	TimeoutNoOutputIdle   TimeoutKind = "no_output_idle"
	TimeoutCompactionIdle TimeoutKind = "context_compaction_idle"
	TimeoutFinalIdle      TimeoutKind = "final_result_idle"
)

// Session is the durable binding of a (bot, user) pair to an external
// assistant identity and working directory. ResumeID and Workdir are set at
// creation and never rebound.
type Session struct {
	ID         string    `json:"id"`
	BotID      string    `json:"bot_id"`
	UserID     int64     `json:"user_id"`
	ResumeID   string    `json:"resume_id,omitempty"`
	Workdir    string    `json:"workdir,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
	LastChatID int64     `json:"-"`
	SyncTS     float64   `json:"-"`
	SyncHash   string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Run is one execution attempt of a command against a session.
type Run struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	CommandText string      `json:"command_text"`
	Status      RunStatus   `json:"status"`
	TimeoutKind TimeoutKind `json:"timeout_kind,omitempty"`
	ExitCode    *int        `json:"exit_code,omitempty"`
	Error       string      `json:"error,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
	StartedAt   time.Time   `json:"started_at,omitzero"`
	EndedAt     time.Time   `json:"ended_at,omitzero"`
}

// TranscriptEntry is one persisted output line of a run.
type TranscriptEntry struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Stream    string    `json:"stream"` // "stdout", "stderr", "notice"
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages session and run persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			bot_id       TEXT NOT NULL,
			user_id      INTEGER NOT NULL,
			resume_id    TEXT NOT NULL DEFAULT '',
			workdir      TEXT NOT NULL DEFAULT '',
			last_result  TEXT NOT NULL DEFAULT '',
			last_chat_id INTEGER NOT NULL DEFAULT 0,
			sync_ts      REAL NOT NULL DEFAULT 0,
			sync_hash    TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL,
			UNIQUE (bot_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			command_text TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'queued',
			timeout_kind TEXT NOT NULL DEFAULT '',
			exit_code    INTEGER,
			error        TEXT NOT NULL DEFAULT '',
			submitted_at DATETIME NOT NULL,
			started_at   DATETIME,
			ended_at     DATETIME,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_runs_session_id
			ON runs(session_id);

		CREATE TABLE IF NOT EXISTS run_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			stream     TEXT NOT NULL DEFAULT 'stdout',
			line       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);

		CREATE INDEX IF NOT EXISTS idx_run_events_run_id
			ON run_events(run_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns a fresh prefixed identifier.
func NewID(prefix string) string {
	return prefix + "_" + uuid.New().String()[:8]
}

// --- Sessions ---

// GetOrCreateSession resolves the session for (botID, userID), creating it
// with the given bindings on first use. If the session already exists the
// stored resumeID/workdir win; configuration mismatches are ignored.
func (s *Store) GetOrCreateSession(botID string, userID int64, resumeID, workdir string) (*Session, error) {
	sess, err := s.GetSession(botID, userID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sess = &Session{
		ID:        NewID("sess"),
		BotID:     botID,
		UserID:    userID,
		ResumeID:  resumeID,
		Workdir:   workdir,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, bot_id, user_id, resume_id, workdir, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.BotID, sess.UserID, sess.ResumeID, sess.Workdir,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		// A concurrent creator may have won the UNIQUE race; re-read.
		if existing, gerr := s.GetSession(botID, userID); gerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// GetSession retrieves the session for (botID, userID).
func (s *Store) GetSession(botID string, userID int64) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, bot_id, user_id, resume_id, workdir, last_result,
		        last_chat_id, sync_ts, sync_hash, created_at, updated_at
		 FROM sessions WHERE bot_id = ? AND user_id = ?`, botID, userID,
	)
	sess := &Session{}
	err := row.Scan(
		&sess.ID, &sess.BotID, &sess.UserID, &sess.ResumeID, &sess.Workdir,
		&sess.LastResult, &sess.LastChatID, &sess.SyncTS, &sess.SyncHash,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns all sessions ordered by last activity (newest first).
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT id, bot_id, user_id, resume_id, workdir, last_result,
		        last_chat_id, sync_ts, sync_hash, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(
			&sess.ID, &sess.BotID, &sess.UserID, &sess.ResumeID, &sess.Workdir,
			&sess.LastResult, &sess.LastChatID, &sess.SyncTS, &sess.SyncHash,
			&sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SetLastResult updates the session's cached terminal output.
func (s *Store) SetLastResult(sessionID, result string) error {
	return s.touchSession(sessionID, "last_result = ?", result)
}

// SetLastChatID records the chat the session last spoke through.
func (s *Store) SetLastChatID(sessionID string, chatID int64) error {
	return s.touchSession(sessionID, "last_chat_id = ?", chatID)
}

// SetSyncState persists the ResultSyncer's dedupe watermark for a session.
func (s *Store) SetSyncState(sessionID string, ts float64, hash string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET sync_ts = ?, sync_hash = ?, updated_at = ? WHERE id = ?`,
		ts, hash, time.Now().UTC(), sessionID,
	)
	return err
}

func (s *Store) touchSession(sessionID, assignment string, value any) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET `+assignment+`, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC(), sessionID,
	)
	return err
}

// --- Runs ---

// CreateRun inserts a new run.
func (s *Store) CreateRun(run *Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, session_id, command_text, status, submitted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.CommandText, run.Status, run.SubmittedAt,
	)
	return err
}

// MarkRunStarted transitions a run to running and stamps its start time.
func (s *Store) MarkRunStarted(runID string, startedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, started_at = ? WHERE id = ?`,
		RunRunning, startedAt.UTC(), runID,
	)
	return err
}

// FinishRun records the terminal state of a run. It refuses to overwrite a
// run that is already terminal, keeping terminal runs immutable.
func (s *Store) FinishRun(runID string, status RunStatus, kind TimeoutKind, exitCode *int, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run %s: %q is not a terminal status", runID, status)
	}
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, timeout_kind = ?, exit_code = ?, error = ?, ended_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		status, kind, exitCodeValue(exitCode), errMsg, time.Now().UTC(),
		runID, RunQueued, RunRunning,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: run missing or already terminal", runID)
	}
	return nil
}

func exitCodeValue(code *int) any {
	if code == nil {
		return nil
	}
	return *code
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, command_text, status, timeout_kind,
		        exit_code, error, submitted_at, started_at, ended_at
		 FROM runs WHERE id = ?`, runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// LatestTerminalRun returns the most recent run of a session that has
// reached a terminal state, or ErrNotFound.
func (s *Store) LatestTerminalRun(sessionID string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, command_text, status, timeout_kind,
		        exit_code, error, submitted_at, started_at, ended_at
		 FROM runs
		 WHERE session_id = ? AND status IN (?, ?, ?, ?)
		 ORDER BY submitted_at DESC LIMIT 1`,
		sessionID, RunCompleted, RunFailed, RunCancelled, RunTimedOut,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns returns all runs of a session, newest first.
func (s *Store) ListRuns(sessionID string) ([]*Run, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, command_text, status, timeout_kind,
		        exit_code, error, submitted_at, started_at, ended_at
		 FROM runs WHERE session_id = ? ORDER BY submitted_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FailInterrupted marks any run left queued/running by a previous process
// as failed. Called once at startup, before the orchestrator accepts work.
func (s *Store) FailInterrupted() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ?, ended_at = ?
		 WHERE status IN (?, ?)`,
		RunFailed, "interrupted by service restart", time.Now().UTC(),
		RunQueued, RunRunning,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	run := &Run{}
	var (
		exitCode sql.NullInt64
		started  sql.NullTime
		ended    sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.SessionID, &run.CommandText, &run.Status, &run.TimeoutKind,
		&exitCode, &run.Error, &run.SubmittedAt, &started, &ended,
	)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if started.Valid {
		run.StartedAt = started.Time
	}
	if ended.Valid {
		run.EndedAt = ended.Time
	}
	return run, nil
}

// --- Transcript ---

// AppendTranscript persists one output line for a run.
func (s *Store) AppendTranscript(runID, stream, line string) error {
	_, err := s.db.Exec(
		`INSERT INTO run_events (run_id, stream, line, created_at)
		 VALUES (?, ?, ?, ?)`,
		runID, stream, line, time.Now().UTC(),
	)
	return err
}

// GetTranscript returns a run's output lines in order, optionally after a
// given entry ID.
func (s *Store) GetTranscript(runID string, afterID int64) ([]*TranscriptEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, stream, line, created_at
		 FROM run_events
		 WHERE run_id = ? AND id > ?
		 ORDER BY id ASC`,
		runID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*TranscriptEntry
	for rows.Next() {
		e := &TranscriptEntry{}
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stream, &e.Line, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
