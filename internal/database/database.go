package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vincentbai/clicktrace-agent/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

var ErrInvalidRecord = errors.New("invalid record")

type Database struct {
	db *sql.DB
}

type StoredClick struct {
	ID         string
	Event      models.InteractionEvent
	ReceivedAt time.Time
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS clicks(
	  id          TEXT PRIMARY KEY,
	  url         TEXT,
	  text        TEXT    NOT NULL,
	  page_url    TEXT    NOT NULL,
	  page_title  TEXT    NOT NULL,
	  mechanism   TEXT    NOT NULL,
	  ts_iso      TEXT    NOT NULL,
	  user_login  TEXT,
	  received_at TEXT    NOT NULL
	);
	CREATE TABLE IF NOT EXISTS identities(
	  id          TEXT PRIMARY KEY,
	  user_name   TEXT    NOT NULL,
	  page_url    TEXT    NOT NULL,
	  page_title  TEXT    NOT NULL,
	  ts_iso      TEXT    NOT NULL,
	  received_at TEXT    NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_clicks_ts       ON clicks(ts_iso);
	CREATE INDEX IF NOT EXISTS idx_clicks_page_url ON clicks(page_url);
	CREATE INDEX IF NOT EXISTS idx_clicks_user     ON clicks(user_login);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) ValidateClick(event models.InteractionEvent) error {
	if (event.URL == nil || *event.URL == "") && event.PageURL == "" {
		return fmt.Errorf("%w: no url/page_url provided", ErrInvalidRecord)
	}
	if event.Mechanism != "" && event.Mechanism != models.MechanismClick {
		return fmt.Errorf("%w: unsupported mechanism %q", ErrInvalidRecord, event.Mechanism)
	}
	return nil
}

func (d *Database) ValidateIdentity(record models.IdentityRecord) error {
	if record.UserName == "" {
		return fmt.Errorf("%w: user_name cannot be empty", ErrInvalidRecord)
	}
	return nil
}

// normalizeTimestamp keeps a parseable client timestamp and falls back to the
// receive time otherwise.
func normalizeTimestamp(value string, receivedAt time.Time) string {
	if parsed := models.ParseTimestamp(value); !parsed.IsZero() {
		return models.FormatTimestamp(parsed)
	}
	return models.FormatTimestamp(receivedAt)
}

func (d *Database) InsertClick(event models.InteractionEvent, receivedAt time.Time) (string, error) {
	if err := d.ValidateClick(event); err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err := d.db.Exec(`INSERT INTO clicks(id, url, text, page_url, page_title, mechanism, ts_iso, user_login, received_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		id, event.URL, event.Text, event.PageURL, event.PageTitle, models.MechanismClick,
		normalizeTimestamp(event.Timestamp, receivedAt), event.UserLogin, models.FormatTimestamp(receivedAt))
	if err != nil {
		return "", fmt.Errorf("failed to insert click: %w", err)
	}
	return id, nil
}

func (d *Database) InsertIdentity(record models.IdentityRecord, receivedAt time.Time) (string, error) {
	if err := d.ValidateIdentity(record); err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err := d.db.Exec(`INSERT INTO identities(id, user_name, page_url, page_title, ts_iso, received_at)
		VALUES(?,?,?,?,?,?)`,
		id, record.UserName, record.PageURL, record.PageTitle,
		normalizeTimestamp(record.Timestamp, receivedAt), models.FormatTimestamp(receivedAt))
	if err != nil {
		return "", fmt.Errorf("failed to insert identity: %w", err)
	}
	return id, nil
}

func (d *Database) CountClicks() (int, error) {
	var count int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM clicks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count clicks: %w", err)
	}
	return count, nil
}

// RecentClicks returns up to limit clicks, newest first.
func (d *Database) RecentClicks(limit int) ([]StoredClick, error) {
	rows, err := d.db.Query(`SELECT id, url, text, page_url, page_title, mechanism, ts_iso, user_login, received_at
		FROM clicks ORDER BY received_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query clicks: %w", err)
	}
	defer rows.Close()

	var clicks []StoredClick
	for rows.Next() {
		var click StoredClick
		var link, userLogin sql.NullString
		var receivedAt string
		if err := rows.Scan(&click.ID, &link, &click.Event.Text, &click.Event.PageURL, &click.Event.PageTitle,
			&click.Event.Mechanism, &click.Event.Timestamp, &userLogin, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan click: %w", err)
		}
		if link.Valid {
			click.Event.URL = models.StringPointer(link.String)
		}
		if userLogin.Valid {
			click.Event.UserLogin = models.StringPointer(userLogin.String)
		}
		click.ReceivedAt = models.ParseTimestamp(receivedAt)
		clicks = append(clicks, click)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read clicks: %w", err)
	}
	return clicks, nil
}
