package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/podscript/internal/observe"
)

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	g := New(Config{})
	cfg := g.Config()
	if cfg.MaxRequests != 64 {
		t.Errorf("MaxRequests = %d, want 64", cfg.MaxRequests)
	}
	if cfg.MaxStreams != 8 {
		t.Errorf("MaxStreams = %d, want 8", cfg.MaxStreams)
	}
	if cfg.AcquireTimeout != 5*time.Second {
		t.Errorf("AcquireTimeout = %v, want 5s", cfg.AcquireTimeout)
	}
}

func TestNew_ClampsStreamsToRequests(t *testing.T) {
	t.Parallel()
	g := New(Config{MaxRequests: 2, MaxStreams: 10})
	if got := g.Config().MaxStreams; got != 2 {
		t.Errorf("MaxStreams = %d, want 2", got)
	}
}

func TestGate_AcquireRelease(t *testing.T) {
	t.Parallel()
	g := New(Config{MaxRequests: 2, MaxStreams: 1, AcquireTimeout: time.Second})
	ctx := context.Background()

	release, err := g.AcquireStream(ctx)
	if err != nil {
		t.Fatalf("AcquireStream: %v", err)
	}
	if s := g.Stats(); s.StreamsInUse != 1 {
		t.Errorf("StreamsInUse = %d, want 1", s.StreamsInUse)
	}
	release()
	release() // second call must be a no-op
	if s := g.Stats(); s.StreamsInUse != 0 {
		t.Errorf("StreamsInUse = %d after release, want 0", s.StreamsInUse)
	}

	// The slot must be reusable and the pool must not have grown.
	r1, err := g.AcquireStream(ctx)
	if err != nil {
		t.Fatalf("AcquireStream after release: %v", err)
	}
	defer r1()
	if _, ok := g.TryAcquireStream(); ok {
		t.Error("double release must not free an extra slot")
	}
}

func TestGate_TimeoutIsDistinct(t *testing.T) {
	t.Parallel()
	g := New(Config{MaxRequests: 1, MaxStreams: 1, AcquireTimeout: 20 * time.Millisecond})
	hold, err := g.AcquireRequest(context.Background())
	if err != nil {
		t.Fatalf("AcquireRequest: %v", err)
	}
	defer hold()

	start := time.Now()
	_, err = g.AcquireRequest(context.Background())
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("err = %v, want ErrAcquireTimeout", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timeout error must not look like context cancellation: %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("waited %v, expected fail-fast", waited)
	}
}

func TestGate_CallerCancellation(t *testing.T) {
	t.Parallel()
	g := New(Config{MaxRequests: 1, MaxStreams: 1, AcquireTimeout: time.Minute})
	hold, _ := g.AcquireStream(context.Background())
	defer hold()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.AcquireStream(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAcquireTimeout) {
		t.Error("cancellation must not be reported as a timeout")
	}
}

func TestGate_WaiterGetsFreedSlot(t *testing.T) {
	t.Parallel()
	g := New(Config{MaxRequests: 1, MaxStreams: 1, AcquireTimeout: 5 * time.Second})
	hold, _ := g.AcquireStream(context.Background())

	done := make(chan error, 1)
	go func() {
		r, err := g.AcquireStream(context.Background())
		if err == nil {
			r()
		}
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	hold()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the freed slot")
	}
}

func TestGate_BoundsConcurrency(t *testing.T) {
	t.Parallel()
	const limit = 3
	g := New(Config{MaxRequests: 10, MaxStreams: limit, AcquireTimeout: 5 * time.Second})

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.AcquireStream(context.Background())
			if err != nil {
				t.Errorf("AcquireStream: %v", err)
				return
			}
			defer release()
			mu.Lock()
			current++
			peak = max(peak, current)
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if peak > limit {
		t.Errorf("peak concurrency = %d, want <= %d", peak, limit)
	}
	if s := g.Stats(); s.StreamsInUse != 0 {
		t.Errorf("StreamsInUse = %d after all releases", s.StreamsInUse)
	}
}

func TestGate_RecordsRejection(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	g := New(Config{MaxRequests: 1, MaxStreams: 1, AcquireTimeout: 5 * time.Millisecond}, WithMetrics(m))
	hold, _ := g.AcquireStream(context.Background())
	defer hold()
	if _, err := g.AcquireStream(context.Background()); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("err = %v, want ErrAcquireTimeout", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "podscript.gate.rejections" {
				continue
			}
			sum := met.Data.(metricdata.Sum[int64])
			if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
				t.Errorf("rejections = %+v, want one", sum.DataPoints)
			}
			return
		}
	}
	t.Error("podscript.gate.rejections not recorded")
}
