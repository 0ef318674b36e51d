// Package emit delivers compiled records to their consumer.
//
// Every transport implements [Sink]: records arrive through Emit in the order
// the compiler produced them, and Done is called at most once afterwards. It
// is called after a normal end and after an upstream failure (which arrives
// in-band as an error record first). It is not called when the caller's
// context ended the compilation or when Emit already failed.
package emit

import (
	"context"
	"fmt"

	"github.com/MrWong99/podscript/pkg/script"
)

// Sink receives the records of one compilation.
//
// Emit returning an error means the consumer is gone; the compiler stops and
// discards the rest of the stream. Implementations need not be safe for
// concurrent use; a compilation calls them from a single goroutine.
type Sink interface {
	Emit(ctx context.Context, rec script.Record) error
	Done(ctx context.Context) error
}

// Event is one item delivered by a [ChannelSink].
type Event struct {
	// Record is valid when Done is false.
	Record script.Record

	// Done marks the terminal event. No events follow it.
	Done bool
}

// ChannelSink forwards records to a channel. The channel is closed after the
// terminal event.
type ChannelSink struct {
	ch     chan Event
	closed bool
}

// NewChannelSink returns a ChannelSink whose channel has the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Emit implements [Sink]. It blocks until the consumer receives the event or
// ctx is cancelled.
func (s *ChannelSink) Emit(ctx context.Context, rec script.Record) error {
	return s.send(ctx, Event{Record: rec})
}

// Done implements [Sink]. It sends the terminal event and closes the channel.
func (s *ChannelSink) Done(ctx context.Context) error {
	if s.closed {
		return nil
	}
	err := s.send(ctx, Event{Done: true})
	s.closed = true
	close(s.ch)
	return err
}

// Close closes the channel without a terminal event if Done was never
// called. It is safe to call after Done.
func (s *ChannelSink) Close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *ChannelSink) send(ctx context.Context, ev Event) error {
	if s.closed {
		return fmt.Errorf("emit: send on finished sink")
	}
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("emit: %w", ctx.Err())
	}
}

// Collect drains events until the terminal event or channel close and
// returns the records seen, plus whether a terminal event arrived.
func Collect(events <-chan Event) ([]script.Record, bool) {
	var out []script.Record
	for ev := range events {
		if ev.Done {
			return out, true
		}
		out = append(out, ev.Record)
	}
	return out, false
}
