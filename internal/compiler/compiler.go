// Package compiler runs one script compilation end to end.
//
// A compilation takes a stream of text fragments from an [upstream.Source],
// carves records out of it with an [extract.Extractor], resolves user records
// against a [catalogue.Catalogue] built from the caller's clips, and hands the
// results to an [emit.Sink] in the order their closing brace was seen. The
// caller always gets a well-formed event sequence that ends in exactly one
// Done call, unless the caller itself went away.
//
// The whole pipeline runs on the calling goroutine. Concurrency across
// compilations is bounded by an optional [gate.Gate]: the stream slot is
// acquired before anything is emitted and released on every exit path.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/podscript/internal/catalogue"
	"github.com/MrWong99/podscript/internal/emit"
	"github.com/MrWong99/podscript/internal/extract"
	"github.com/MrWong99/podscript/internal/gate"
	"github.com/MrWong99/podscript/internal/observe"
	"github.com/MrWong99/podscript/internal/reconcile"
	"github.com/MrWong99/podscript/internal/upstream"
	"github.com/MrWong99/podscript/pkg/script"
)

// Outcome classifies how a compilation ended.
type Outcome string

const (
	// OutcomeCompleted means the upstream stream ended normally.
	OutcomeCompleted Outcome = "completed"

	// OutcomeUpstreamError means the upstream failed; an error record and the
	// terminal event were emitted.
	OutcomeUpstreamError Outcome = "upstream_error"

	// OutcomeCancelled means the caller's context ended the compilation.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeConsumerGone means the sink refused a record.
	OutcomeConsumerGone Outcome = "consumer_gone"

	// OutcomeRejected means no stream slot became free in time.
	OutcomeRejected Outcome = "rejected"
)

// Summary describes a finished compilation.
type Summary struct {
	Outcome Outcome

	// Records is the number of records handed to the sink.
	Records int

	// Fragments is the number of upstream fragments consumed.
	Fragments int

	// Rules counts user-record resolutions by rule.
	Rules map[reconcile.Rule]int

	// Extract holds the extractor's counters at the end of the compilation.
	Extract extract.Stats

	// Err is the upstream failure for [OutcomeUpstreamError]. It is reported
	// here rather than returned because the caller already received it
	// in-band.
	Err error
}

// Compiler runs compilations. It holds no per-compilation state and is safe
// for concurrent use.
type Compiler struct {
	gate    *gate.Gate
	metrics *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Compiler)

// WithGate bounds concurrent compilations by g's stream slots.
func WithGate(g *gate.Gate) Option {
	return func(c *Compiler) { c.gate = g }
}

// WithMetrics records compilation metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Compiler) { c.metrics = m }
}

// New returns a Compiler.
func New(opts ...Option) *Compiler {
	c := &Compiler{}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Compile runs one compilation of src against clips, delivering records to
// sink.
//
// The returned error is non-nil only when the event sequence could not be
// completed: [gate.ErrAcquireTimeout] or a context error before anything was
// emitted, the context error after a cancellation, or the sink's error when
// the consumer went away. Upstream failures are delivered in-band and
// reported in [Summary.Err].
func (c *Compiler) Compile(ctx context.Context, src upstream.Source, clips []script.Clip, sink emit.Sink) (Summary, error) {
	if c.gate != nil {
		release, err := c.gate.AcquireStream(ctx)
		if err != nil {
			return Summary{Outcome: OutcomeRejected}, fmt.Errorf("compiler: %w", err)
		}
		defer release()
	}

	ctx, span := observe.StartSpan(ctx, "compiler.Compile")
	defer span.End()

	c.metrics.ActiveCompilations.Add(ctx, 1)
	defer c.metrics.ActiveCompilations.Add(ctx, -1)

	// Stops the source on every exit path, including a failed sink.
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	r := &run{
		metrics: c.metrics,
		sink:    sink,
		cat:     catalogue.Build(clips),
		ext:     extract.New(),
		start:   time.Now(),
		sum:     Summary{Rules: make(map[reconcile.Rule]int)},
	}
	err := r.execute(ctx, src)
	r.sum.Extract = r.ext.Stats()

	c.metrics.CompileDuration.Record(ctx, time.Since(r.start).Seconds(),
		metric.WithAttributes(attribute.String("outcome", string(r.sum.Outcome))))
	span.SetAttributes(
		attribute.String("compile.outcome", string(r.sum.Outcome)),
		attribute.Int("compile.records", r.sum.Records),
		attribute.Int("compile.fragments", r.sum.Fragments),
		attribute.Int("compile.clips", r.cat.Len()),
	)
	switch {
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
	case r.sum.Err != nil:
		span.SetStatus(codes.Error, r.sum.Err.Error())
	}

	observe.Logger(ctx).Debug("compilation finished",
		"outcome", r.sum.Outcome,
		"records", r.sum.Records,
		"fragments", r.sum.Fragments,
		"malformed", r.sum.Extract.Malformed,
		"duration", time.Since(r.start),
	)
	return r.sum, err
}

// run is the state of a single compilation.
type run struct {
	metrics *observe.Metrics
	sink    emit.Sink
	cat     *catalogue.Catalogue
	ext     *extract.Extractor
	start   time.Time
	first   bool
	sum     Summary

	malformed int
}

func (r *run) execute(ctx context.Context, src upstream.Source) error {
	frags, err := src.Fragments(ctx)
	if err != nil {
		return r.fail(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			return r.cancel(ctx)
		case f, ok := <-frags:
			if !ok {
				if ctx.Err() != nil {
					return r.cancel(ctx)
				}
				return r.finish(ctx)
			}
			if f.Err != nil {
				return r.fail(ctx, f.Err)
			}
			r.sum.Fragments++
			r.metrics.Fragments.Add(ctx, 1)
			if err := r.emit(ctx, r.ext.Feed(f.Text)); err != nil {
				return err
			}
		}
	}
}

// finish flushes the extractor and emits the terminal event.
func (r *run) finish(ctx context.Context) error {
	if err := r.emit(ctx, r.ext.Flush()); err != nil {
		return err
	}
	if err := r.sink.Done(ctx); err != nil {
		r.sum.Outcome = OutcomeConsumerGone
		return fmt.Errorf("compiler: done: %w", err)
	}
	r.sum.Outcome = OutcomeCompleted
	return nil
}

// fail discards the residual buffer and ends the stream with an error
// record. A half-received record is never emitted.
func (r *run) fail(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		return r.cancel(ctx)
	}
	r.ext.Discard()

	reason := "upstream"
	if errors.Is(cause, upstream.ErrIdleTimeout) {
		reason = "idle_timeout"
	}
	r.metrics.RecordUpstreamError(ctx, reason)
	observe.Logger(ctx).Warn("upstream failed during compilation", "reason", reason, "err", cause)

	r.sum.Err = cause
	if err := r.emit(ctx, []script.Record{script.Error(cause.Error())}); err != nil {
		return err
	}
	if err := r.sink.Done(ctx); err != nil {
		r.sum.Outcome = OutcomeConsumerGone
		return fmt.Errorf("compiler: done: %w", err)
	}
	r.sum.Outcome = OutcomeUpstreamError
	return nil
}

func (r *run) cancel(ctx context.Context) error {
	r.ext.Discard()
	r.sum.Outcome = OutcomeCancelled
	return ctx.Err()
}

// emit reconciles and delivers recs in order.
func (r *run) emit(ctx context.Context, recs []script.Record) error {
	if st := r.ext.Stats(); st.Malformed > r.malformed {
		r.metrics.MalformedSpans.Add(ctx, int64(st.Malformed-r.malformed))
		r.malformed = st.Malformed
	}

	for _, raw := range recs {
		res := reconcile.Reconcile(raw, r.cat)
		if res.Rule != reconcile.RulePassthrough {
			r.sum.Rules[res.Rule]++
			r.metrics.RecordReconciliation(ctx, res.Rule.String())
			if res.Rule == reconcile.RuleFallback {
				r.logFallback(ctx, raw)
			}
		}
		for _, rec := range res.Records() {
			if err := r.sink.Emit(ctx, rec); err != nil {
				r.ext.Discard()
				if ctx.Err() != nil {
					r.sum.Outcome = OutcomeCancelled
					return ctx.Err()
				}
				r.sum.Outcome = OutcomeConsumerGone
				return fmt.Errorf("compiler: emit: %w", err)
			}
			if !r.first {
				r.first = true
				r.metrics.FirstRecordLatency.Record(ctx, time.Since(r.start).Seconds())
			}
			r.sum.Records++
			r.metrics.RecordRecord(ctx, rec.Kind.String())
		}
	}
	return nil
}

// logFallback reports a user line that matched no clip, with the closest
// clip for diagnosis. The emitted record still carries the first clip.
func (r *run) logFallback(ctx context.Context, raw script.Record) {
	log := observe.Logger(ctx)
	first, _ := r.cat.First()
	if near, score, ok := r.cat.Nearest(raw.Text); ok {
		log.Warn("user line matched no clip; using first clip",
			"clip_id", first.ID, "nearest_clip_id", near.ID, "nearest_score", score)
		return
	}
	log.Warn("user line matched no clip; using first clip", "clip_id", first.ID)
}
