// Package transcript persists per-lane conversation history. A user
// lane and the auto lanes of the same identity never share rows, so
// autonomous turns cannot leak into (or read) the user's
// conversation.
package transcript

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cairnlabs/cairn/internal/lane"
)

// tsLayout is RFC 3339 with the fraction padded to a fixed nine
// digits. Stored timestamps are TEXT and queries order by them, so the
// width must be constant: RFC3339Nano drops trailing zeros, which
// makes a whole-second value sort after the same second's fractions.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Message is one transcript entry.
type Message struct {
	ID        string
	LaneKey   string
	Role      string // user | assistant | system
	Content   string
	CreatedAt time.Time
}

// Store is the SQLite-backed transcript store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the transcript database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			lane_key TEXT NOT NULL,
			identity_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_lane ON messages(lane_key, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_identity ON messages(identity_id, created_at);
	`)
	return err
}

// Append records one message on a lane.
func (s *Store) Append(laneKey, identityID, role, content string) error {
	if laneKey == "" || identityID == "" {
		return fmt.Errorf("message needs a lane and identity")
	}
	id, err := uuid.NewV7()
	idStr := id.String()
	if err != nil {
		idStr = uuid.New().String()
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, lane_key, identity_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, idStr, laneKey, identityID, role, content, time.Now().UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent returns a lane's last messages in chronological order.
func (s *Store) Recent(laneKey string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, lane_key, role, content, created_at
		FROM messages WHERE lane_key = ?
		ORDER BY created_at DESC LIMIT ?
	`, laneKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdStr string
		if err := rows.Scan(&m.ID, &m.LaneKey, &m.Role, &m.Content, &createdStr); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LastUserActivity returns the timestamp of the identity's newest
// user-lane message. Zero time means no conversation yet.
func (s *Store) LastUserActivity(identityID string) (time.Time, error) {
	var createdStr sql.NullString
	err := s.db.QueryRow(`
		SELECT MAX(created_at) FROM messages
		WHERE identity_id = ? AND lane_key = ?
	`, identityID, lane.UserKey(identityID)).Scan(&createdStr)
	if err != nil {
		return time.Time{}, err
	}
	if !createdStr.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, createdStr.String)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// UserMessageTimes returns timestamps of the identity's user messages
// since the cutoff, for activity mining.
func (s *Store) UserMessageTimes(identityID string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.Query(`
		SELECT created_at FROM messages
		WHERE identity_id = ? AND lane_key = ? AND role = 'user' AND created_at >= ?
		ORDER BY created_at
	`, identityID, lane.UserKey(identityID), since.UTC().Format(tsLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			continue
		}
		times = append(times, t)
	}
	return times, rows.Err()
}
