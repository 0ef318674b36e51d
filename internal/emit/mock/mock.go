// Package mock provides a test double for the emit.Sink interface.
//
// Sink records every call so tests can assert on the exact event sequence a
// compilation produced, and can inject a consumer failure after a given
// number of records.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/podscript/internal/emit"
	"github.com/MrWong99/podscript/pkg/script"
)

// ErrConsumerGone is returned by Emit once FailAfter records were accepted.
var ErrConsumerGone = errors.New("mock: consumer gone")

// Sink is a mock implementation of emit.Sink.
type Sink struct {
	mu sync.Mutex

	// FailAfter, when positive, makes Emit fail once this many records were
	// accepted.
	FailAfter int

	// DoneErr, if non-nil, is returned by Done.
	DoneErr error

	// Records holds every accepted record in order.
	Records []script.Record

	// DoneCalls counts calls to Done.
	DoneCalls int

	// EmitAfterDone is set when Emit was called after Done.
	EmitAfterDone bool
}

// Emit records rec.
func (s *Sink) Emit(_ context.Context, rec script.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DoneCalls > 0 {
		s.EmitAfterDone = true
	}
	if s.FailAfter > 0 && len(s.Records) >= s.FailAfter {
		return ErrConsumerGone
	}
	s.Records = append(s.Records, rec)
	return nil
}

// Done records the terminal call.
func (s *Sink) Done(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DoneCalls++
	return s.DoneErr
}

// Snapshot returns a copy of the recorded records and the Done count.
func (s *Sink) Snapshot() ([]script.Record, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]script.Record, len(s.Records))
	copy(out, s.Records)
	return out, s.DoneCalls
}

var _ emit.Sink = (*Sink)(nil)
