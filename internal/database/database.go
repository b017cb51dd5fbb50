// Package database persists the parts of a session that survive a restart:
// the room this installation joined, the participant identity of each agent
// instance, and the room's play history.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"toptrack/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a scope has nothing stored yet
var ErrNotFound = errors.New("not found")

// RoomScope is the shared scope: one row per installation
type RoomScope struct {
	RoomID    string
	RoomName  string
	HostID    string
	UpdatedAt time.Time
}

// ParticipantScope is the identity of one agent instance
type ParticipantScope struct {
	InstanceID    string
	ParticipantID string
	DisplayName   string
	Role          models.Role
	RoomID        string
	UpdatedAt     time.Time
}

// PlayRecord is one track the host started, with the strategy that worked
type PlayRecord struct {
	ID       int64
	RoomID   string
	EntryID  string
	TrackID  string
	Title    string
	Artist   string
	DeviceID string
	Strategy string
	PlayedAt time.Time
}

// Database wraps a *sql.DB with the session store queries. It is safe for
// concurrent use because the underlying *sql.DB is.
type Database struct {
	conn   *sql.DB
	logger *logrus.Entry

	upsertParticipantStmt *sql.Stmt
	getParticipantStmt    *sql.Stmt
	insertPlayStmt        *sql.Stmt
}

// NewDatabase opens (or creates) the SQLite store at dbPath. Caller should
// Close() it when finished.
func NewDatabase(dbPath string, logger *logrus.Entry) (*Database, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "database")

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(2)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=memory;",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Session store initialized")
	return db, nil
}

// createTables is idempotent and safe to call on every start
func (db *Database) createTables() error {
	roomScopeTable := `
	CREATE TABLE IF NOT EXISTS room_scope (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		room_id TEXT NOT NULL,
		room_name TEXT,
		host_id TEXT,
		updated_at DATETIME NOT NULL
	);`

	participantsTable := `
	CREATE TABLE IF NOT EXISTS participants (
		instance_id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		role TEXT NOT NULL,
		room_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`

	playHistoryTable := `
	CREATE TABLE IF NOT EXISTS play_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		entry_id TEXT,
		track_id TEXT NOT NULL,
		title TEXT,
		artist TEXT,
		device_id TEXT,
		strategy TEXT,
		played_at DATETIME NOT NULL
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_play_history_room ON play_history(room_id, played_at);",
		"CREATE INDEX IF NOT EXISTS idx_participants_room ON participants(room_id);",
	}

	for _, table := range []string{roomScopeTable, participantsTable, playHistoryTable} {
		if _, err := db.conn.Exec(table); err != nil {
			return err
		}
	}
	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) prepareStatements() error {
	var err error

	db.upsertParticipantStmt, err = db.conn.Prepare(`
		INSERT INTO participants (instance_id, participant_id, display_name, role, room_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			participant_id=excluded.participant_id,
			display_name=excluded.display_name,
			role=excluded.role,
			room_id=excluded.room_id,
			updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert participant statement: %w", err)
	}

	db.getParticipantStmt, err = db.conn.Prepare(`
		SELECT instance_id, participant_id, display_name, role, room_id, updated_at
		FROM participants WHERE instance_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get participant statement: %w", err)
	}

	db.insertPlayStmt, err = db.conn.Prepare(`
		INSERT INTO play_history (room_id, entry_id, track_id, title, artist, device_id, strategy, played_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert play statement: %w", err)
	}

	return nil
}

// SaveRoom replaces the shared room scope
func (db *Database) SaveRoom(scope RoomScope) error {
	if scope.UpdatedAt.IsZero() {
		scope.UpdatedAt = time.Now().UTC()
	}
	_, err := db.conn.Exec(`
		INSERT INTO room_scope (id, room_id, room_name, host_id, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			room_id=excluded.room_id,
			room_name=excluded.room_name,
			host_id=excluded.host_id,
			updated_at=excluded.updated_at`,
		scope.RoomID, scope.RoomName, scope.HostID, scope.UpdatedAt)
	if err != nil {
		db.logger.WithError(err).WithField("room_id", scope.RoomID).Error("Failed to save room scope")
		return fmt.Errorf("failed to save room scope: %w", err)
	}
	return nil
}

// Room returns the stored room scope, or ErrNotFound
func (db *Database) Room() (RoomScope, error) {
	var scope RoomScope
	var name, host sql.NullString
	err := db.conn.QueryRow(`SELECT room_id, room_name, host_id, updated_at FROM room_scope WHERE id = 1`).
		Scan(&scope.RoomID, &name, &host, &scope.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RoomScope{}, ErrNotFound
	}
	if err != nil {
		return RoomScope{}, fmt.Errorf("failed to read room scope: %w", err)
	}
	scope.RoomName = name.String
	scope.HostID = host.String
	return scope, nil
}

// ClearRoom forgets the room and every instance identity tied to it
func (db *Database) ClearRoom() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM room_scope`); err != nil {
		return fmt.Errorf("failed to clear room scope: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM participants`); err != nil {
		return fmt.Errorf("failed to clear participants: %w", err)
	}
	return tx.Commit()
}

// SaveParticipant stores or updates an instance identity
func (db *Database) SaveParticipant(p ParticipantScope) error {
	if p.InstanceID == "" {
		return fmt.Errorf("instance id is required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if _, err := db.upsertParticipantStmt.Exec(p.InstanceID, p.ParticipantID, p.DisplayName, string(p.Role), p.RoomID, p.UpdatedAt); err != nil {
		db.logger.WithError(err).WithField("instance_id", p.InstanceID).Error("Failed to save participant")
		return fmt.Errorf("failed to save participant: %w", err)
	}
	return nil
}

// Participant returns the identity stored for an instance, or ErrNotFound
func (db *Database) Participant(instanceID string) (ParticipantScope, error) {
	var p ParticipantScope
	var role string
	err := db.getParticipantStmt.QueryRow(instanceID).
		Scan(&p.InstanceID, &p.ParticipantID, &p.DisplayName, &role, &p.RoomID, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ParticipantScope{}, ErrNotFound
	}
	if err != nil {
		return ParticipantScope{}, fmt.Errorf("failed to read participant: %w", err)
	}
	p.Role = models.Role(role)
	return p, nil
}

// RecordPlay appends to the play history and returns the record id
func (db *Database) RecordPlay(rec PlayRecord) (int64, error) {
	if rec.PlayedAt.IsZero() {
		rec.PlayedAt = time.Now().UTC()
	}
	result, err := db.insertPlayStmt.Exec(rec.RoomID, rec.EntryID, rec.TrackID, rec.Title, rec.Artist, rec.DeviceID, rec.Strategy, rec.PlayedAt)
	if err != nil {
		db.logger.WithError(err).WithField("track_id", rec.TrackID).Error("Failed to record play")
		return 0, fmt.Errorf("failed to record play: %w", err)
	}
	return result.LastInsertId()
}

// History returns the most recent plays of a room, newest first
func (db *Database) History(roomID string, limit int) ([]PlayRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(`
		SELECT id, room_id, entry_id, track_id, title, artist, device_id, strategy, played_at
		FROM play_history
		WHERE room_id = ?
		ORDER BY played_at DESC, id DESC
		LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []PlayRecord
	for rows.Next() {
		var rec PlayRecord
		var entryID, title, artist, deviceID, strategy sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RoomID, &entryID, &rec.TrackID, &title, &artist, &deviceID, &strategy, &rec.PlayedAt); err != nil {
			return nil, err
		}
		rec.EntryID = entryID.String
		rec.Title = title.String
		rec.Artist = artist.String
		rec.DeviceID = deviceID.String
		rec.Strategy = strategy.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the prepared statements and the connection
func (db *Database) Close() error {
	statements := []*sql.Stmt{
		db.upsertParticipantStmt,
		db.getParticipantStmt,
		db.insertPlayStmt,
	}
	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				db.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
