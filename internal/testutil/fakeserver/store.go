package fakeserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE rooms (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	access     TEXT NOT NULL DEFAULT 'public',
	status     TEXT NOT NULL DEFAULT 'active',
	room_limit INTEGER NOT NULL DEFAULT 10,
	owner_id   INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (owner_id) REFERENCES users(id)
);

CREATE TABLE room_members (
	room_id   INTEGER NOT NULL,
	user_id   INTEGER NOT NULL,
	joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id    INTEGER NOT NULL,
	user_id    INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (room_id) REFERENCES rooms(id),
	FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE INDEX idx_messages_room ON messages(room_id, id DESC);
`

// errNotFound is returned by lookups that match nothing.
var errNotFound = errors.New("not found")

type user struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
}

type room struct {
	ID        int64
	Name      string
	Access    string
	Status    string
	Limit     int
	OwnerID   int64
	OwnerName string
	Members   int
	CreatedAt time.Time
}

type message struct {
	ID        int64
	RoomID    int64
	UserID    int64
	Username  string
	Body      string
	CreatedAt time.Time
}

// sqliteStore keeps the fake server state in an in-memory SQLite database.
type sqliteStore struct {
	db *sql.DB
}

func openStore() (*sqliteStore, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// ==== users ====

func (s *sqliteStore) createUser(ctx context.Context, username, email, passwordHash string) (*user, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?)`,
		username, email, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	return s.userByID(ctx, id)
}

func (s *sqliteStore) userByID(ctx context.Context, id int64) (*user, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash FROM users WHERE id = ?`, id))
}

func (s *sqliteStore) userByUsername(ctx context.Context, username string) (*user, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash FROM users WHERE username = ?`, username))
}

func (s *sqliteStore) scanUser(row *sql.Row) (*user, error) {
	var u user
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", errNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// ==== rooms ====

const roomColumns = `
	r.id, r.name, r.access, r.status, r.room_limit, r.owner_id, u.username, r.created_at,
	(SELECT COUNT(*) FROM room_members m WHERE m.room_id = r.id)
	FROM rooms r JOIN users u ON u.id = r.owner_id`

func (s *sqliteStore) createRoom(ctx context.Context, name, access string, limit int, ownerID int64) (*room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (name, access, room_limit, owner_id) VALUES (?, ?, ?, ?)`,
		name, access, limit, ownerID)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	// The owner is always a participant.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id) VALUES (?, ?)`, id, ownerID); err != nil {
		return nil, fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.roomByID(ctx, id)
}

func (s *sqliteStore) roomByID(ctx context.Context, id int64) (*room, error) {
	var r room
	err := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` WHERE r.id = ?`, id).Scan(
		&r.ID, &r.Name, &r.Access, &r.Status, &r.Limit, &r.OwnerID, &r.OwnerName, &r.CreatedAt, &r.Members)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room: %w", errNotFound)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	return &r, nil
}

// listRooms returns one page of rooms, newest first. ownerID > 0 restricts
// the listing to that owner, otherwise only public rooms matching search
// are returned.
func (s *sqliteStore) listRooms(ctx context.Context, ownerID int64, search string, limit, offset int) ([]*room, int, error) {
	where := `WHERE r.owner_id = ?`
	args := []any{ownerID}
	if ownerID == 0 {
		where = `WHERE r.access = 'public' AND r.name LIKE ?`
		args = []any{"%" + search + "%"}
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms r `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rooms: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roomColumns+` `+where+` ORDER BY r.id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*room
	for rows.Next() {
		var r room
		if err := rows.Scan(&r.ID, &r.Name, &r.Access, &r.Status, &r.Limit, &r.OwnerID, &r.OwnerName, &r.CreatedAt, &r.Members); err != nil {
			return nil, 0, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, &r)
	}
	return rooms, total, rows.Err()
}

func (s *sqliteStore) addMember(ctx context.Context, roomID, userID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)`, roomID, userID); err != nil {
		return fmt.Errorf("insert room member: %w", err)
	}
	return nil
}

func (s *sqliteStore) isMember(ctx context.Context, roomID, userID int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query membership: %w", err)
	}
	return true, nil
}

// ==== messages ====

func (s *sqliteStore) saveMessage(ctx context.Context, msg *message) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, user_id, body, created_at) VALUES (?, ?, ?, ?)`,
		msg.RoomID, msg.UserID, msg.Body, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	msg.ID = id
	if msg.Username == "" {
		if u, err := s.userByID(ctx, msg.UserID); err == nil {
			msg.Username = u.Username
		}
	}
	return nil
}

// listMessages returns one page of a room's messages, newest first.
func (s *sqliteStore) listMessages(ctx context.Context, roomID int64, limit, offset int) ([]*message, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.room_id, m.user_id, u.username, m.body, m.created_at
		FROM messages m JOIN users u ON u.id = m.user_id
		WHERE m.room_id = ?
		ORDER BY m.id DESC
		LIMIT ? OFFSET ?`, roomID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*message
	for rows.Next() {
		var m message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Username, &m.Body, &m.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, total, rows.Err()
}
