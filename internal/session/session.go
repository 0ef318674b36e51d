// Package session persists the conversation that precedes a compilation.
//
// A session is a username plus an ordered list of messages. User messages that
// carry a sequence id are the recorded clips of the episode; [ClipsFromMessages]
// turns them into the clip catalogue handed to the compiler.
//
// Two backends implement [Store]: [FileStore] writes one JSON document per
// session under a directory, [PostgresStore] keeps sessions in PostgreSQL.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/podscript/pkg/script"
)

var (
	// ErrNotFound is returned when a session id does not name a stored session.
	ErrNotFound = errors.New("session: not found")

	// ErrInvalidMessage is returned by AppendMessage for a message without a
	// role.
	ErrInvalidMessage = errors.New("session: invalid message")
)

// DefaultUsername is used by Create when no username is given.
const DefaultUsername = "anonymous"

// Roles used in session messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn of a session.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// SequenceID identifies the recorded clip behind a user message. Empty for
	// typed messages.
	SequenceID string `json:"sequence_id,omitempty"`
}

// Session is the stored state of one conversation.
type Session struct {
	ID        string    `json:"session_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// Store persists sessions. Implementations are safe for concurrent use.
type Store interface {
	// Create starts a new, empty session.
	Create(ctx context.Context, username string) (Session, error)

	// Get returns the session with its messages in append order.
	Get(ctx context.Context, id string) (Session, error)

	// AppendMessage adds msg to the end of the session. A zero Timestamp is
	// replaced by the current time.
	AppendMessage(ctx context.Context, id string, msg Message) (Message, error)

	// Clips returns the session's clip catalogue, see [ClipsFromMessages].
	Clips(ctx context.Context, id string) ([]script.Clip, error)

	// Ping reports whether the backend is usable.
	Ping(ctx context.Context) error
}

// NewID returns a fresh random session id.
func NewID() string { return uuid.NewString() }

// validID reports whether id is a well-formed session id. Ids end up in file
// paths, so anything else is rejected before touching the backend.
func validID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

// ClipsFromMessages returns one clip per user message that has both a
// sequence id and non-blank content, in message order. Content is trimmed.
func ClipsFromMessages(msgs []Message) []script.Clip {
	var clips []script.Clip
	for _, m := range msgs {
		if m.Role != RoleUser || m.SequenceID == "" {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		clips = append(clips, script.Clip{ID: m.SequenceID, Content: content})
	}
	return clips
}

func prepareMessage(msg Message) (Message, error) {
	if strings.TrimSpace(msg.Role) == "" {
		return Message{}, ErrInvalidMessage
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = nowUTC()
	}
	return msg, nil
}

func usernameOrDefault(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return DefaultUsername
	}
	return name
}

// nowUTC is truncated to the precision PostgreSQL stores.
func nowUTC() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
