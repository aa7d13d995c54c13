package session

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxStoredSessions = 1000

// Store persists session records to PostgreSQL so completed calls survive a
// process restart. The in-memory Registry remains the source of truth for
// live sessions; the store is write-behind.
type Store struct {
	db *sql.DB
}

// OpenStore connects to the session database at connStr and applies pending
// migrations.
func OpenStore(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("session store open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveStart inserts a new session record and prunes old ones.
func (s *Store) SaveStart(snap Snapshot) error {
	info, err := json.Marshal(snap.VisitorInfo)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, mode, created_at, last_activity, visitor_info, conversation_step, cost_usd, message_count, error_count, fallback_triggered)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		snap.ID, string(snap.Mode), snap.CreatedAt.UTC(), snap.LastActivity.UTC(),
		info, snap.ConversationStep, snap.CostUSD, snap.MessageCount, snap.ErrorCount, snap.FallbackTriggered,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY created_at DESC LIMIT $1)`,
		maxStoredSessions,
	)
	return err
}

// SaveProgress updates the mutable fields of a live session record.
func (s *Store) SaveProgress(snap Snapshot) error {
	info, err := json.Marshal(snap.VisitorInfo)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE sessions
		 SET mode = $1, last_activity = $2, visitor_info = $3, conversation_step = $4,
		     cost_usd = $5, message_count = $6, error_count = $7, fallback_triggered = $8
		 WHERE id = $9`,
		string(snap.Mode), snap.LastActivity.UTC(), info, snap.ConversationStep,
		snap.CostUSD, snap.MessageCount, snap.ErrorCount, snap.FallbackTriggered, snap.ID,
	)
	return err
}

// SaveEnd finalizes a session record.
func (s *Store) SaveEnd(snap Snapshot) error {
	if err := s.SaveProgress(snap); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE sessions SET ended_at = $1 WHERE id = $2`, time.Now().UTC(), snap.ID)
	return err
}

// StoredSession is one persisted session row.
type StoredSession struct {
	Snapshot
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// ListRecent returns persisted sessions, newest first.
func (s *Store) ListRecent(limit int) ([]StoredSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, mode, created_at, last_activity, visitor_info, conversation_step,
		       cost_usd, message_count, error_count, fallback_triggered, ended_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredSession
	for rows.Next() {
		var rec StoredSession
		var mode string
		var info []byte
		var endedAt sql.NullTime
		if err = rows.Scan(&rec.ID, &mode, &rec.CreatedAt, &rec.LastActivity, &info,
			&rec.ConversationStep, &rec.CostUSD, &rec.MessageCount, &rec.ErrorCount,
			&rec.FallbackTriggered, &endedAt); err != nil {
			return nil, err
		}
		rec.Mode = Mode(mode)
		if len(info) > 0 {
			if uErr := json.Unmarshal(info, &rec.VisitorInfo); uErr != nil {
				rec.VisitorInfo = nil
			}
		}
		if endedAt.Valid {
			rec.EndedAt = &endedAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
