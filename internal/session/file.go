package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/MrWong99/podscript/pkg/script"
)

var _ Store = (*FileStore)(nil)

// contextFile is the per-session document name inside the session directory.
const contextFile = "context.json"

// FileStore keeps each session as <dir>/<session_id>/context.json. Writes
// replace the document atomically. It is meant for single-process
// deployments; two processes sharing a directory may lose appends.
type FileStore struct {
	dir string

	mu sync.Mutex
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create dir %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Create implements [Store].
func (s *FileStore) Create(ctx context.Context, username string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	sess := Session{
		ID:        NewID(),
		Username:  usernameOrDefault(username),
		CreatedAt: nowUTC(),
		Messages:  []Message{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Join(s.dir, sess.ID), 0o755); err != nil {
		return Session{}, fmt.Errorf("session: create %s: %w", sess.ID, err)
	}
	if err := s.write(sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Get implements [Store].
func (s *FileStore) Get(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// AppendMessage implements [Store].
func (s *FileStore) AppendMessage(ctx context.Context, id string, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	msg, err := prepareMessage(msg)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.read(id)
	if err != nil {
		return Message{}, err
	}
	sess.Messages = append(sess.Messages, msg)
	if err := s.write(sess); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Clips implements [Store].
func (s *FileStore) Clips(ctx context.Context, id string) ([]script.Clip, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ClipsFromMessages(sess.Messages), nil
}

// Ping implements [Store]. It checks that the root directory still exists.
func (s *FileStore) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("session: %q is not a directory", s.dir)
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id, contextFile)
}

// read loads a session document. Callers hold s.mu.
func (s *FileStore) read(id string) (Session, error) {
	if !validID(id) {
		return Session{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: read %s: %w", id, err)
	}
	var sess Session
	if err := sonic.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("session: decode %s: %w", id, err)
	}
	if sess.ID == "" {
		sess.ID = id
	}
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	return sess, nil
}

// write stores sess through a temp file and rename. Callers hold s.mu.
func (s *FileStore) write(sess Session) error {
	data, err := sonic.ConfigDefault.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", sess.ID, err)
	}
	tmp, err := os.CreateTemp(filepath.Join(s.dir, sess.ID), contextFile+".*")
	if err != nil {
		return fmt.Errorf("session: write %s: %w", sess.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("session: write %s: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("session: write %s: %w", sess.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(sess.ID)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("session: write %s: %w", sess.ID, err)
	}
	return nil
}
