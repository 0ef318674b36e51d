package emit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/podscript/pkg/script"
)

// SSEWriter frames records as Server-Sent Events on an HTTP response:
// one "data: <json>" event per record and "data: [DONE]" at the end.
type SSEWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	started bool
}

// NewSSEWriter wraps w. Headers are written on the first event.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	return &SSEWriter{w: w, rc: http.NewResponseController(w)}
}

// Emit implements [Sink].
func (s *SSEWriter) Emit(_ context.Context, rec script.Record) error {
	line, err := script.MarshalLine(rec)
	if err != nil {
		return err
	}
	return s.event(line)
}

// Done implements [Sink].
func (s *SSEWriter) Done(_ context.Context) error {
	return s.event([]byte(script.DoneMarker))
}

func (s *SSEWriter) event(data []byte) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("emit: write sse event: %w", err)
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("emit: flush sse event: %w", err)
	}
	return nil
}

// LineWriter writes one JSON object per line to an io.Writer, followed by a
// final "[DONE]" line unless created with [WithoutDoneMarker].
type LineWriter struct {
	w        io.Writer
	noMarker bool
}

// LineOption configures a [LineWriter].
type LineOption func(*LineWriter)

// WithoutDoneMarker suppresses the trailing "[DONE]" line so the output is
// plain JSON Lines.
func WithoutDoneMarker() LineOption {
	return func(l *LineWriter) { l.noMarker = true }
}

// NewLineWriter returns a LineWriter writing to w.
func NewLineWriter(w io.Writer, opts ...LineOption) *LineWriter {
	l := &LineWriter{w: w}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Emit implements [Sink].
func (l *LineWriter) Emit(_ context.Context, rec script.Record) error {
	line, err := script.MarshalLine(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("emit: write line: %w", err)
	}
	return nil
}

// Done implements [Sink].
func (l *LineWriter) Done(_ context.Context) error {
	if l.noMarker {
		return nil
	}
	if _, err := io.WriteString(l.w, script.DoneMarker+"\n"); err != nil {
		return fmt.Errorf("emit: write done marker: %w", err)
	}
	return nil
}

// WSWriter sends each record as one WebSocket text message and the done
// marker as the last message. It does not close the connection.
type WSWriter struct {
	conn *websocket.Conn
}

// NewWSWriter wraps an accepted connection.
func NewWSWriter(conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn}
}

// Emit implements [Sink].
func (s *WSWriter) Emit(ctx context.Context, rec script.Record) error {
	line, err := script.MarshalLine(rec)
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, websocket.MessageText, line); err != nil {
		return fmt.Errorf("emit: websocket write: %w", err)
	}
	return nil
}

// Done implements [Sink].
func (s *WSWriter) Done(ctx context.Context) error {
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(script.DoneMarker)); err != nil {
		return fmt.Errorf("emit: websocket write: %w", err)
	}
	return nil
}

var (
	_ Sink = (*ChannelSink)(nil)
	_ Sink = (*SSEWriter)(nil)
	_ Sink = (*LineWriter)(nil)
	_ Sink = (*WSWriter)(nil)
)
