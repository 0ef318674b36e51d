// Package upstream supplies the text fragments a script compilation consumes.
//
// A [Source] produces an ordered channel of [Fragment] values. The channel is
// closed at end-of-stream. A fragment carrying a non-nil Err is always the
// last value before the close and means the stream ended abnormally.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/podscript/internal/observe"
	"github.com/MrWong99/podscript/pkg/provider/llm"
)

var (
	// ErrUpstream wraps every failure reported by the generating model.
	ErrUpstream = errors.New("upstream: generation failed")

	// ErrIdleTimeout is reported when the model sends nothing for longer than
	// the configured idle timeout.
	ErrIdleTimeout = errors.New("upstream: idle timeout")
)

// Fragment is one chunk of generated text. Fragments carry no alignment
// guarantee: a record, a string, or an escape sequence may be split anywhere.
type Fragment struct {
	Text string
	Err  error
}

// Source produces the fragment stream for one compilation.
type Source interface {
	// Fragments starts the stream. The returned channel is closed by the
	// source when the stream ends or ctx is cancelled. A non-nil error means
	// the stream never started.
	Fragments(ctx context.Context) (<-chan Fragment, error)
}

// SliceSource replays a fixed list of fragments. It is used by tests and by
// callers that already hold the complete model output.
type SliceSource []string

// Fragments implements Source.
func (s SliceSource) Fragments(ctx context.Context) (<-chan Fragment, error) {
	out := make(chan Fragment)
	go func() {
		defer close(out)
		for _, text := range s {
			if !send(ctx, out, Fragment{Text: text}) {
				return
			}
		}
	}()
	return out, nil
}

// DefaultChunkSize is the read size ReaderSource uses when ChunkSize is zero.
const DefaultChunkSize = 4096

// ReaderSource streams an io.Reader in fixed-size chunks. Chunk boundaries
// ignore record structure, which makes it a convenient way to compile a saved
// transcript with the same code path as live generation.
type ReaderSource struct {
	R         io.Reader
	ChunkSize int
}

// Fragments implements Source.
func (s ReaderSource) Fragments(ctx context.Context) (<-chan Fragment, error) {
	if s.R == nil {
		return nil, fmt.Errorf("upstream: reader source has no reader")
	}
	size := s.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		buf := make([]byte, size)
		for {
			n, err := io.ReadFull(s.R, buf)
			if n > 0 && !send(ctx, out, Fragment{Text: string(buf[:n])}) {
				return
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return
			default:
				send(ctx, out, Fragment{Err: fmt.Errorf("%w: read: %w", ErrUpstream, err)})
				return
			}
		}
	}()
	return out, nil
}

// LLMSource streams a completion from an llm.Provider.
type LLMSource struct {
	Provider llm.Provider
	Request  llm.CompletionRequest

	// IdleTimeout bounds the gap between two chunks. Zero disables it.
	IdleTimeout time.Duration

	// Log receives the oversized prompt warning. Nil uses the context logger.
	Log *slog.Logger
}

// Fragments implements Source. A failure to start the completion is returned
// directly and wraps [ErrUpstream].
func (s LLMSource) Fragments(ctx context.Context) (<-chan Fragment, error) {
	if s.Provider == nil {
		return nil, fmt.Errorf("upstream: llm source has no provider")
	}

	window := s.Provider.Capabilities().ContextWindow
	if n, over := ExceedsContext(s.Request, window); over {
		log := s.Log
		if log == nil {
			log = observe.Logger(ctx)
		}
		log.Warn("prompt may not fit the model context window",
			"estimated_tokens", n, "context_window", window)
	}

	sctx, cancel := context.WithCancel(ctx)
	chunks, err := s.Provider.StreamCompletion(sctx, s.Request)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer cancel()

		var idle <-chan time.Time
		var timer *time.Timer
		if s.IdleTimeout > 0 {
			timer = time.NewTimer(s.IdleTimeout)
			defer timer.Stop()
			idle = timer.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-idle:
				send(ctx, out, Fragment{Err: fmt.Errorf("%w after %s", ErrIdleTimeout, s.IdleTimeout)})
				return
			case c, ok := <-chunks:
				if !ok {
					return
				}
				if c.FinishReason == llm.FinishReasonError {
					send(ctx, out, Fragment{Err: fmt.Errorf("%w: %s", ErrUpstream, c.Text)})
					return
				}
				if timer != nil {
					timer.Reset(s.IdleTimeout)
				}
				if c.Text == "" {
					continue
				}
				if !send(ctx, out, Fragment{Text: c.Text}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- Fragment, f Fragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// Compile-time interface assertions.
var (
	_ Source = SliceSource(nil)
	_ Source = ReaderSource{}
	_ Source = LLMSource{}
)
