package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjawhar/voice-bridge/internal/transcript"
)

const (
	SummaryPending   = "pending"
	SummaryRunning   = "running"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
)

type Session struct {
	ID            string     `json:"id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Status        string     `json:"status"`
	RoomURL       string     `json:"room_url"`
	BotHandle     string     `json:"bot_handle"`
	Summary       string     `json:"summary"`
	SummaryStatus string     `json:"summary_status"`
	SummaryPreset string     `json:"summary_preset"`
	AudioPath     string     `json:"audio_path"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "voice-bridge.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			room_url TEXT NOT NULL DEFAULT '',
			bot_handle TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			summary_status TEXT NOT NULL DEFAULT 'pending',
			summary_preset TEXT NOT NULL DEFAULT '',
			audio_path TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS utterances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			finalized INTEGER NOT NULL DEFAULT 1,
			started_at TEXT NOT NULL,
			finalized_at TEXT,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create utterances table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS summary_requests (
			session_id TEXT NOT NULL,
			prompt_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, prompt_hash)
		);
	`); err != nil {
		return fmt.Errorf("create summary_requests table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)"); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_utterances_session_id ON utterances(session_id, seq)"); err != nil {
		return fmt.Errorf("create utterances index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// ArchiveSession writes a finished session and its utterances in one
// transaction.
func (s *SQLiteStore) ArchiveSession(sess Session, utterances []transcript.Utterance) (err error) {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("session id is required")
	}
	if sess.Status == "" {
		sess.Status = "ended"
	}
	if sess.SummaryStatus == "" {
		sess.SummaryStatus = SummaryPending
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive %s: %w", sess.ID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var endedAt any
	if sess.EndedAt != nil {
		endedAt = sess.EndedAt.UTC().Format(time.RFC3339Nano)
	}

	if _, err = tx.Exec(
		`INSERT INTO sessions(id, started_at, ended_at, status, room_url, bot_handle, summary_status, audio_path)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.StartedAt.UTC().Format(time.RFC3339Nano),
		endedAt,
		sess.Status,
		sess.RoomURL,
		sess.BotHandle,
		sess.SummaryStatus,
		sess.AudioPath,
	); err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}

	for i, u := range utterances {
		var finalizedAt any
		if !u.FinalizedAt.IsZero() {
			finalizedAt = u.FinalizedAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err = tx.Exec(
			`INSERT INTO utterances(session_id, seq, speaker, text, finalized, started_at, finalized_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			sess.ID,
			i,
			string(u.Speaker),
			strings.TrimSpace(u.Text),
			u.Finalized,
			u.StartedAt.UTC().Format(time.RFC3339Nano),
			finalizedAt,
		); err != nil {
			return fmt.Errorf("insert utterance for session %s: %w", sess.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit archive %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSessionsByDate(date string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE substr(started_at, 1, 10) = ?
		 ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions rows: %w", err)
	}

	return sessions, nil
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM sessions ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("query session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetUtterances(sessionID string) ([]transcript.Utterance, error) {
	rows, err := s.db.Query(
		`SELECT seq, speaker, text, finalized, started_at, finalized_at
		 FROM utterances
		 WHERE session_id = ?
		 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query utterances for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	utterances := make([]transcript.Utterance, 0, 32)
	for rows.Next() {
		var (
			u           transcript.Utterance
			speaker     string
			startedAt   string
			finalizedAt sql.NullString
		)
		if err := rows.Scan(&u.ID, &speaker, &u.Text, &u.Finalized, &startedAt, &finalizedAt); err != nil {
			return nil, fmt.Errorf("scan utterance for session %s: %w", sessionID, err)
		}
		u.Speaker = transcript.Speaker(speaker)

		parsed, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse utterance started_at for session %s: %w", sessionID, err)
		}
		u.StartedAt = parsed

		if finalizedAt.Valid {
			parsed, err := time.Parse(time.RFC3339Nano, finalizedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse utterance finalized_at for session %s: %w", sessionID, err)
			}
			u.FinalizedAt = parsed
		}

		utterances = append(utterances, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate utterance rows for session %s: %w", sessionID, err)
	}

	return utterances, nil
}

func (s *SQLiteStore) UpdateSummary(sessionID, summary, status, preset string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET summary = ?, summary_status = ?, summary_preset = ? WHERE id = ?`,
		summary,
		status,
		preset,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("update summary for session %s: %w", sessionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update summary rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (s *SQLiteStore) ClaimSummaryRequest(sessionID, promptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO summary_requests(session_id, prompt_hash) VALUES(?, ?)`,
		sessionID,
		promptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim summary request for session %s: %w", sessionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim summary rows affected: %w", err)
	}

	return rows > 0, nil
}

const sessionColumns = `id, started_at, ended_at, status, room_url, bot_handle, summary, summary_status, summary_preset, audio_path`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&sess.ID, &startedAt, &endedAt, &sess.Status, &sess.RoomURL, &sess.BotHandle, &sess.Summary, &sess.SummaryStatus, &sess.SummaryPreset, &sess.AudioPath); err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	sess.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at: %w", err)
		}
		sess.EndedAt = &parsedEnd
	}

	return sess, nil
}
