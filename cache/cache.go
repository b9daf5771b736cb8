// Package cache persists the last synced message history per conversation
// so a restarted client can render immediately, before its first poll.
package cache

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chatsync/models"
)

var ErrNoRows = errors.New("no rows found")

type Cache struct {
	conn *sql.DB
}

func New(path string) (*Cache, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	c := &Cache{conn: conn}
	if err := c.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

func (c *Cache) Close() error {
	return c.conn.Close()
}

func (c *Cache) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			owner TEXT NOT NULL,
			peer TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			body TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			file_url TEXT,
			file_name TEXT,
			file_type TEXT,
			PRIMARY KEY (id, owner)
		)`,
		`CREATE TABLE IF NOT EXISTS watermarks (
			owner TEXT NOT NULL,
			peer TEXT NOT NULL,
			last_synced TEXT NOT NULL,
			PRIMARY KEY (owner, peer)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_owner_peer ON messages(owner, peer, timestamp)`,
	}

	for _, query := range queries {
		if _, err := c.conn.Exec(query); err != nil {
			return err
		}
	}

	// Auto-migration for columns added after the first cache release
	if err := c.migrate(); err != nil {
		return err
	}

	return nil
}

// migrate performs auto-migration for new columns
func (c *Cache) migrate() error {
	if !c.columnExists("messages", "edited") {
		if _, err := c.conn.Exec("ALTER TABLE messages ADD COLUMN edited INTEGER NOT NULL DEFAULT 0"); err != nil {
			return err
		}
	}

	if !c.columnExists("messages", "deleted_for") {
		if _, err := c.conn.Exec("ALTER TABLE messages ADD COLUMN deleted_for TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}

	return nil
}

// columnExists checks if a column exists in a table
func (c *Cache) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := c.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// ReplaceConversation swaps the stored history for (owner, peer) with the
// given snapshot and records the sync watermark, atomically.
func (c *Cache) ReplaceConversation(owner, peer string, msgs []models.Message, syncedAt time.Time) error {
	tx, err := c.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE owner = ? AND peer = ?", owner, peer); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO messages
		(id, owner, peer, sender, recipient, body, timestamp, file_url, file_name, file_type, edited, deleted_for)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range msgs {
		msg := &msgs[i]
		var fileURL, fileName, fileType sql.NullString
		if msg.Attachment != nil {
			fileURL = sql.NullString{String: msg.Attachment.URL, Valid: true}
			fileName = sql.NullString{String: msg.Attachment.Name, Valid: true}
			fileType = sql.NullString{String: msg.Attachment.Type, Valid: true}
		}
		edited := 0
		if msg.Edited {
			edited = 1
		}
		_, err := stmt.Exec(
			msg.ID, owner, peer, msg.Sender, msg.Recipient, msg.Body,
			msg.Timestamp.UTC().Format(time.RFC3339Nano),
			fileURL, fileName, fileType, edited, encodeDeletedFor(msg.DeletedFor),
		)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		`INSERT INTO watermarks (owner, peer, last_synced) VALUES (?, ?, ?)
		 ON CONFLICT(owner, peer) DO UPDATE SET last_synced = excluded.last_synced`,
		owner, peer, syncedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Messages returns the cached history for (owner, peer) in timestamp
// order.
func (c *Cache) Messages(owner, peer string) ([]models.Message, error) {
	query := `
		SELECT id, sender, recipient, body, timestamp, file_url, file_name, file_type, edited, deleted_for
		FROM messages
		WHERE owner = ? AND peer = ?
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := c.conn.Query(query, owner, peer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var timestampStr, deletedFor string
		var fileURL, fileName, fileType sql.NullString
		var edited int
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &timestampStr,
			&fileURL, &fileName, &fileType, &edited, &deletedFor); err != nil {
			return nil, err
		}

		timestamp, err := time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, err
		}
		m.Timestamp = timestamp
		m.Edited = edited != 0
		m.DeletedFor = decodeDeletedFor(deletedFor)
		if fileURL.Valid {
			m.Attachment = &models.Attachment{
				URL:  fileURL.String,
				Name: fileName.String,
				Type: fileType.String,
			}
		}

		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// LastSynced returns the watermark for (owner, peer), or ErrNoRows if the
// conversation was never synced.
func (c *Cache) LastSynced(owner, peer string) (time.Time, error) {
	var raw string
	err := c.conn.QueryRow(
		"SELECT last_synced FROM watermarks WHERE owner = ? AND peer = ?",
		owner, peer,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNoRows
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// Peers lists the conversations cached for owner.
func (c *Cache) Peers(owner string) ([]string, error) {
	rows, err := c.conn.Query("SELECT peer FROM watermarks WHERE owner = ?", owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}

	return peers, rows.Err()
}

// Clear removes everything cached for owner, used on logout and ban.
func (c *Cache) Clear(owner string) error {
	if _, err := c.conn.Exec("DELETE FROM messages WHERE owner = ?", owner); err != nil {
		return err
	}
	_, err := c.conn.Exec("DELETE FROM watermarks WHERE owner = ?", owner)
	return err
}

func encodeDeletedFor(set map[string]bool) string {
	if len(set) == 0 {
		return ""
	}
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	return strings.Join(users, ",")
}

func decodeDeletedFor(raw string) map[string]bool {
	set := make(map[string]bool)
	if raw == "" {
		return set
	}
	for _, u := range strings.Split(raw, ",") {
		set[u] = true
	}
	return set
}
