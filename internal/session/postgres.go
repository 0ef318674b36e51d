package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/podscript/pkg/script"
)

var _ Store = (*PostgresStore)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id  TEXT         PRIMARY KEY,
    username    TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_messages (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL REFERENCES sessions (session_id) ON DELETE CASCADE,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    sequence_id  TEXT         NOT NULL DEFAULT '',
    timestamp    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_messages_session_id
    ON session_messages (session_id, id);
`

// PostgresStore keeps sessions in the sessions and session_messages tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and creates the
// tables if they do not exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("session: postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the session tables. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("session: postgres: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Create implements [Store].
func (s *PostgresStore) Create(ctx context.Context, username string) (Session, error) {
	sess := Session{
		ID:        NewID(),
		Username:  usernameOrDefault(username),
		CreatedAt: nowUTC(),
		Messages:  []Message{},
	}
	const q = `INSERT INTO sessions (session_id, username, created_at) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, sess.ID, sess.Username, sess.CreatedAt); err != nil {
		return Session{}, fmt.Errorf("session: postgres: create: %w", err)
	}
	return sess, nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	if !validID(id) {
		return Session{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	sess := Session{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT username, created_at FROM sessions WHERE session_id = $1`, id,
	).Scan(&sess.Username, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: postgres: get %s: %w", id, err)
	}

	const q = `
		SELECT role, content, sequence_id, timestamp
		FROM   session_messages
		WHERE  session_id = $1
		ORDER  BY id`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return Session{}, fmt.Errorf("session: postgres: messages %s: %w", id, err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var (
			m  Message
			ts time.Time
		)
		if err := row.Scan(&m.Role, &m.Content, &m.SequenceID, &ts); err != nil {
			return Message{}, err
		}
		m.Timestamp = ts.UTC()
		return m, nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("session: postgres: messages %s: %w", id, err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.Messages = msgs
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	return sess, nil
}

// AppendMessage implements [Store].
func (s *PostgresStore) AppendMessage(ctx context.Context, id string, msg Message) (Message, error) {
	if !validID(id) {
		return Message{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	msg, err := prepareMessage(msg)
	if err != nil {
		return Message{}, err
	}
	const q = `
		INSERT INTO session_messages (session_id, role, content, sequence_id, timestamp)
		SELECT $1, $2, $3, $4, $5
		WHERE  EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`
	tag, err := s.pool.Exec(ctx, q, id, msg.Role, msg.Content, msg.SequenceID, msg.Timestamp)
	if err != nil {
		return Message{}, fmt.Errorf("session: postgres: append %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return msg, nil
}

// Clips implements [Store].
func (s *PostgresStore) Clips(ctx context.Context, id string) ([]script.Clip, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ClipsFromMessages(sess.Messages), nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("session: postgres: %w", err)
	}
	return nil
}
