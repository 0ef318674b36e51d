// Package gate bounds how much work the service accepts at once.
//
// A [Gate] guards two pools: request slots, held by every HTTP request for
// its whole lifetime, and stream slots, held by every running compilation.
// Stream slots are the scarcer resource because a compilation keeps its
// response open for as long as the model generates. Acquisition waits for a
// free slot but gives up after a bounded time with [ErrAcquireTimeout], so an
// overloaded service rejects work instead of queueing it without limit.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/podscript/internal/observe"
)

// ErrAcquireTimeout is returned when no slot became free within the
// configured wait. It is distinct from context cancellation.
var ErrAcquireTimeout = errors.New("gate: timed out waiting for a free slot")

// Resource names a pool guarded by the gate.
type Resource string

const (
	ResourceRequest Resource = "request"
	ResourceStream  Resource = "stream"
)

// Config sizes a [Gate].
type Config struct {
	// MaxRequests bounds concurrently served requests. Default: 64.
	MaxRequests int

	// MaxStreams bounds concurrently running compilations. It is clamped to
	// MaxRequests. Default: 8.
	MaxStreams int

	// AcquireTimeout bounds how long a caller waits for a slot. Zero or
	// negative waits only for the caller's context. Default: 5s.
	AcquireTimeout time.Duration
}

// Release returns a slot to its pool. Calling it more than once is a no-op.
type Release func()

// Stats is a point-in-time view of slot usage.
type Stats struct {
	RequestsInUse int64
	StreamsInUse  int64
	MaxRequests   int
	MaxStreams    int
}

// Gate is a two-pool admission controller. It is safe for concurrent use.
type Gate struct {
	cfg      Config
	requests *semaphore.Weighted
	streams  *semaphore.Weighted
	inReq    atomic.Int64
	inStream atomic.Int64
	metrics  *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Gate)

// WithMetrics records wait times and rejections on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// New creates a Gate, applying defaults to zero fields of cfg.
func New(cfg Config, opts ...Option) *Gate {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 64
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = 8
	}
	if cfg.MaxStreams > cfg.MaxRequests {
		cfg.MaxStreams = cfg.MaxRequests
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	g := &Gate{
		cfg:      cfg,
		requests: semaphore.NewWeighted(int64(cfg.MaxRequests)),
		streams:  semaphore.NewWeighted(int64(cfg.MaxStreams)),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// AcquireRequest takes a request slot. On success the returned Release must
// be called exactly when the request is done; deferring it is the intended
// use.
func (g *Gate) AcquireRequest(ctx context.Context) (Release, error) {
	return g.acquire(ctx, ResourceRequest, g.requests, &g.inReq)
}

// AcquireStream takes a stream slot for one compilation.
func (g *Gate) AcquireStream(ctx context.Context) (Release, error) {
	return g.acquire(ctx, ResourceStream, g.streams, &g.inStream)
}

// TryAcquireStream takes a stream slot only if one is free right now.
func (g *Gate) TryAcquireStream() (Release, bool) {
	if !g.streams.TryAcquire(1) {
		return nil, false
	}
	g.inStream.Add(1)
	return g.releaser(g.streams, &g.inStream), true
}

// Stats reports current slot usage.
func (g *Gate) Stats() Stats {
	return Stats{
		RequestsInUse: g.inReq.Load(),
		StreamsInUse:  g.inStream.Load(),
		MaxRequests:   g.cfg.MaxRequests,
		MaxStreams:    g.cfg.MaxStreams,
	}
}

// Config returns the effective configuration after defaults.
func (g *Gate) Config() Config {
	return g.cfg
}

func (g *Gate) acquire(ctx context.Context, res Resource, sem *semaphore.Weighted, inUse *atomic.Int64) (Release, error) {
	start := time.Now()

	waitCtx := ctx
	if g.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.cfg.AcquireTimeout)
		defer cancel()
	}

	err := sem.Acquire(waitCtx, 1)
	if g.metrics != nil {
		rejected := err != nil && ctx.Err() == nil
		g.metrics.RecordGateWait(ctx, string(res), time.Since(start).Seconds(), rejected)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("gate: acquire %s: %w", res, ctx.Err())
		}
		return nil, fmt.Errorf("%w (%s, waited %s)", ErrAcquireTimeout, res, g.cfg.AcquireTimeout)
	}

	inUse.Add(1)
	return g.releaser(sem, inUse), nil
}

func (g *Gate) releaser(sem *semaphore.Weighted, inUse *atomic.Int64) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			inUse.Add(-1)
			sem.Release(1)
		})
	}
}
