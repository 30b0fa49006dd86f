package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/showroom/internal/domain"
	"github.com/ashureev/showroom/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	sqliteMaxRetries = 3
	sqliteBaseDelay  = 50 * time.Millisecond
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets history reads proceed on a snapshot while a turn is being written.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		thread_ref TEXT,
		run_state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at);

	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		annotation TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSession(ctx context.Context, q queryer, id string) (*domain.Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, thread_ref, run_state, created_at, last_activity_at
		FROM sessions WHERE id = ?`, id)

	var sess domain.Session
	var threadRef sql.NullString
	var runState string
	var createdAt, lastActivity int64
	err := row.Scan(&sess.ID, &threadRef, &runState, &createdAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	sess.ThreadRef = threadRef.String
	sess.RunState = domain.RunState(runState)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.LastActivityAt = time.UnixMilli(lastActivity)

	rows, err := q.QueryContext(ctx, `
		SELECT role, content, annotation, created_at
		FROM turns WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()
	for rows.Next() {
		var t domain.Turn
		var role string
		var ts int64
		if err := rows.Scan(&role, &t.Content, &t.Annotation, &ts); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = domain.Role(role)
		t.CreatedAt = time.UnixMilli(ts)
		sess.History = append(sess.History, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return &sess, nil
}

// inTx runs fn in a transaction, retrying the whole transaction on SQLite conflicts.
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return shared.RetrySQLite(ctx, op, sqliteMaxRetries, sqliteBaseDelay, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", op, err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		return nil
	})
}

// Get retrieves a session and its full transcript from one snapshot.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	var sess *domain.Session
	err := s.inTx(ctx, "get session", func(tx *sql.Tx) error {
		var err error
		sess, err = loadSession(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetOrCreate returns an existing session or persists a new one.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, id string) (*domain.Session, bool, error) {
	if id != "" {
		sess, err := s.Get(ctx, id)
		if err == nil {
			return sess, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, err
		}
	}

	sess := domain.NewSession(NewSessionID(), s.now())
	if err := s.Persist(ctx, sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// Persist upserts the session row and appends turns not yet stored.
func (s *SQLiteStore) Persist(ctx context.Context, sess *domain.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("persist session: missing id")
	}
	return s.inTx(ctx, "persist session", func(tx *sql.Tx) error {
		var storedRef sql.NullString
		var storedTurns int
		err := tx.QueryRowContext(ctx, `
			SELECT s.thread_ref, (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
			FROM sessions s WHERE s.id = ?`, sess.ID).Scan(&storedRef, &storedTurns)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read stored session: %w", err)
		default:
			stored := &domain.Session{ThreadRef: storedRef.String, History: make([]domain.Turn, storedTurns)}
			if err := checkPersist(stored, sess); err != nil {
				return fmt.Errorf("persist session %s: %w", sess.ID, err)
			}
		}

		var threadRef any
		if sess.ThreadRef != "" {
			threadRef = sess.ThreadRef
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, thread_ref, run_state, created_at, last_activity_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				thread_ref = COALESCE(sessions.thread_ref, excluded.thread_ref),
				run_state = excluded.run_state,
				last_activity_at = MAX(sessions.last_activity_at, excluded.last_activity_at)`,
			sess.ID, threadRef, string(sess.RunState),
			sess.CreatedAt.UnixMilli(), sess.LastActivityAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		for i := storedTurns; i < len(sess.History); i++ {
			t := sess.History[i]
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO turns (session_id, seq, role, content, annotation, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				sess.ID, i, string(t.Role), t.Content, t.Annotation, t.CreatedAt.UnixMilli(),
			); err != nil {
				return fmt.Errorf("append turn %d: %w", i, err)
			}
		}
		return nil
	})
}

// MarkRunning flags the session as running.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, now time.Time) error {
	return shared.RetrySQLite(ctx, "mark running", sqliteMaxRetries, sqliteBaseDelay, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET run_state = ?, last_activity_at = MAX(last_activity_at, ?)
			WHERE id = ?`, string(domain.RunRunning), now.UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// Delete removes a session and its turns.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (*domain.Session, error) {
	var removed *domain.Session
	err := s.inTx(ctx, "delete session", func(tx *sql.Tx) error {
		sess, err := loadSession(ctx, tx, id)
		if errors.Is(err, domain.ErrNotFound) {
			removed = nil
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		removed = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Sweep removes sessions idle past idleTTL that are not running.
func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time, idleTTL time.Duration) ([]*domain.Session, error) {
	threshold := now.Add(-idleTTL).UnixMilli()
	var expired []*domain.Session
	err := s.inTx(ctx, "sweep sessions", func(tx *sql.Tx) error {
		expired = expired[:0]
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM sessions WHERE last_activity_at <= ? AND run_state != ?`,
			threshold, string(domain.RunRunning))
		if err != nil {
			return fmt.Errorf("query expired sessions: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan expired session: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close expired rows: %w", err)
		}

		for _, id := range ids {
			sess, err := loadSession(ctx, tx, id)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
				return fmt.Errorf("delete expired turns: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete expired session: %w", err)
			}
			expired = append(expired, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// ResetRunning marks sessions left running by a crashed process as failed.
func (s *SQLiteStore) ResetRunning(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET run_state = ? WHERE run_state = ?`,
		string(domain.RunFailed), string(domain.RunRunning))
	if err != nil {
		return 0, fmt.Errorf("reset running sessions: %w", err)
	}
	return result.RowsAffected()
}

var _ Store = (*SQLiteStore)(nil)
