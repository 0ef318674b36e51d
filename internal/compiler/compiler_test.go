package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/podscript/internal/emit"
	emitmock "github.com/MrWong99/podscript/internal/emit/mock"
	"github.com/MrWong99/podscript/internal/gate"
	"github.com/MrWong99/podscript/internal/observe"
	"github.com/MrWong99/podscript/internal/reconcile"
	"github.com/MrWong99/podscript/internal/upstream"
	"github.com/MrWong99/podscript/pkg/provider/llm"
	llmmock "github.com/MrWong99/podscript/pkg/provider/llm/mock"
	"github.com/MrWong99/podscript/pkg/script"
)

// failingSource emits texts and then reports err.
type failingSource struct {
	texts []string
	err   error
}

func (s failingSource) Fragments(ctx context.Context) (<-chan upstream.Fragment, error) {
	out := make(chan upstream.Fragment, len(s.texts)+1)
	for _, t := range s.texts {
		out <- upstream.Fragment{Text: t}
	}
	out <- upstream.Fragment{Err: s.err}
	close(out)
	return out, nil
}

// brokenSource never starts.
type brokenSource struct{ err error }

func (s brokenSource) Fragments(context.Context) (<-chan upstream.Fragment, error) {
	return nil, s.err
}

// cancellingSink cancels the compilation after the first record.
type cancellingSink struct {
	emitmock.Sink
	cancel context.CancelFunc
}

func (s *cancellingSink) Emit(ctx context.Context, rec script.Record) error {
	err := s.Sink.Emit(ctx, rec)
	s.cancel()
	return err
}

func testCompiler(t *testing.T, opts ...Option) (*Compiler, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return New(append([]Option{WithMetrics(m)}, opts...)...), reader
}

var helloClips = []script.Clip{{ID: "seg-1", Content: "hello world"}}

func TestCompile_SplitRecordScenario(t *testing.T) {
	t.Parallel()
	c, _ := testCompiler(t)
	sink := &emitmock.Sink{}
	src := upstream.SliceSource{
		`{"type":"use`,
		`r","text":"hello world"}` + "\n" + `{"type":"ai","text":"ok"}`,
	}

	sum, err := c.Compile(context.Background(), src, helloClips, sink)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	recs, done := sink.Snapshot()
	want := []script.Record{
		{Kind: script.KindUser, Text: "hello world", ClipID: "seg-1"},
		{Kind: script.KindNarration, Text: "ok"},
	}
	if fmt.Sprint(recs) != fmt.Sprint(want) {
		t.Errorf("records = %+v, want %+v", recs, want)
	}
	if done != 1 || sink.EmitAfterDone {
		t.Errorf("done calls = %d, emit after done = %v", done, sink.EmitAfterDone)
	}
	if sum.Outcome != OutcomeCompleted || sum.Records != 2 || sum.Fragments != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Rules[reconcile.RuleExact] != 1 {
		t.Errorf("rules = %v, want one exact match", sum.Rules)
	}

	line, _ := script.MarshalLine(recs[0])
	if string(line) != `{"type":"user","text":"hello world","audio":"seg-1"}` {
		t.Errorf("wire form = %s", line)
	}
}

func TestCompile_EmptyCatalogueDowngrades(t *testing.T) {
	t.Parallel()
	c, _ := testCompiler(t)
	sink := &emitmock.Sink{}

	sum, err := c.Compile(context.Background(), upstream.SliceSource{`{"type":"user","text":"x"}`}, nil, sink)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	recs, done := sink.Snapshot()
	want := []script.Record{script.Narration("x"), script.Warning(reconcile.DowngradeWarning)}
	if fmt.Sprint(recs) != fmt.Sprint(want) {
		t.Errorf("records = %+v, want %+v", recs, want)
	}
	if recs[0].ClipID != "" {
		t.Error("downgraded record must not carry a clip id")
	}
	if done != 1 || sum.Rules[reconcile.RuleDowngraded] != 1 {
		t.Errorf("done = %d rules = %v", done, sum.Rules)
	}
}

func TestCompile_UnclosedSpanBecomesWarning(t *testing.T) {
	t.Parallel()
	c, _ := testCompiler(t)
	sink := &emitmock.Sink{}

	_, err := c.Compile(context.Background(), upstream.SliceSource{`{"type":"ai","text":"cut of`}, helloClips, sink)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	recs, done := sink.Snapshot()
	if len(recs) != 1 || recs[0].Kind != script.KindWarning || recs[0].Text != `{"type":"ai","text":"cut of` {
		t.Errorf("records = %+v", recs)
	}
	if done != 1 {
		t.Errorf("done calls = %d, want 1", done)
	}
}

func TestCompile_FallbackAndNormalized(t *testing.T) {
	t.Parallel()
	c, _ := testCompiler(t)
	sink := &emitmock.Sink{}
	clips := []script.Clip{
		{ID: "a", Content: "first clip"},
		{ID: "b", Content: "the quick\nbrown fox"},
	}
	src := upstream.SliceSource{
		`{"type":"user","text":"the quick brown fox"}` + "\n",
		`{"type":"user","text":"something else entirely"}` + "\n",
	}

	sum, err := c.Compile(context.Background(), src, clips, sink)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	recs, _ := sink.Snapshot()
	if len(recs) != 2 {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].ClipID != "b" || recs[0].Text != "the quick\nbrown fox" {
		t.Errorf("normalized match = %+v", recs[0])
	}
	if recs[1].ClipID != "a" || recs[1].Text != "something else entirely" {
		t.Errorf("fallback = %+v", recs[1])
	}
	if sum.Rules[reconcile.RuleNormalized] != 1 || sum.Rules[reconcile.RuleFallback] != 1 {
		t.Errorf("rules = %v", sum.Rules)
	}
}

func TestCompile_UpstreamFailureMidStream(t *testing.T) {
	t.Parallel()
	c, _ := testCompiler(t)
	sink := &emitmock.Sink{}
	cause := fmt.Errorf("%w: connection reset", upstream.ErrUpstream)
	src := failingSource{
		texts: []string{`{"type":"ai","text":"one"}` + "\n" + `{"type":"ai","text":"tw`},
		err:   cause,
	}

	sum, err := c.Compile(context.Background(), src, helloClips, sink)
	if err != nil {
		t.Fatalf("Compile returned %v, want the failure delivered in-band", err)
	}
	recs, done := sink.Snapshot()
	if len(recs) != 2 {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0] != script.Narration("one") {
		t.Errorf("first record = %+v", recs[0])
	}
	if recs[1].Kind != script.KindError || !strings.Contains(recs[1].Text, "connection reset") {
		t.Errorf("terminal record = %+v, want error record", recs[1])
	}
	if done != 1 {
		t.Errorf("done calls = %d, want 1", done)
	}
	if sum.Outcome != OutcomeUpstreamError || !errors.Is(sum.Err, upstream.ErrUpstream) {
		t.Errorf("summary = %+v", sum)
	}
}

func TestCompile_SourceFailsToStart(t *testing.T) {
	t.Parallel()
	c, _ := testCompiler(t)
	sink := &emitmock.Sink{}

	sum, err := c.Compile(context.Background(), brokenSource{err: errors.New("no credentials")}, helloClips, sink)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	recs, done := sink.Snapshot()
	if len(recs) != 1 || recs[0].Kind != script.KindError || done != 1 {
		t.Errorf("records = %+v done = %d", recs, done)
	}
	if sum.Outcome != OutcomeUpstreamError {
		t.Errorf("outcome = %s", sum.Outcome)
	}
}

func TestCompile_IdleTimeoutFromLLM(t *testing.T) {
	t.Parallel()
	c, reader := testCompiler(t)
	sink := &emitmock.Sink{}
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: `{"type":"ai","text":"hi"}`}}, Hang: true}
	src := upstream.LLMSource{Provider: p, IdleTimeout: 20 * time.Millisecond}

	sum, err := c.Compile(context.Background(), src, helloClips, sink)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !errors.Is(sum.Err, upstream.ErrIdleTimeout) {
		t.Errorf("summary err = %v, want idle timeout", sum.Err)
	}
	recs, done := sink.Snapshot()
	if len(recs) != 2 || recs[1].Kind != script.KindError || done != 1 {
		t.Errorf("records = %+v done = %d", recs, done)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counter(rm, "podscript.upstream.errors", "reason", "idle_timeout"); got != 1 {
		t.Errorf("idle timeout errors = %d, want 1", got)
	}
}

func TestCompile_ConsumerGone(t *testing.T) {
	t.Parallel()
	c, _ := testCompiler(t)
	sink := &emitmock.Sink{FailAfter: 1}
	src := upstream.SliceSource{`{"type":"ai","text":"a"}{"type":"ai","text":"b"}{"type":"ai","text":"c"}`}

	sum, err := c.Compile(context.Background(), src, helloClips, sink)
	if !errors.Is(err, emitmock.ErrConsumerGone) {
		t.Fatalf("err = %v, want consumer gone", err)
	}
	recs, done := sink.Snapshot()
	if len(recs) != 1 || done != 0 {
		t.Errorf("records = %+v done = %d", recs, done)
	}
	if sum.Outcome != OutcomeConsumerGone {
		t.Errorf("outcome = %s", sum.Outcome)
	}
}

func TestCompile_ConsumerGoneStopsSource(t *testing.T) {
	t.Parallel()
	c, _ := testCompiler(t)
	sink := &emitmock.Sink{FailAfter: 1}
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: `{"type":"ai","text":"a"}`},
			{Text: `{"type":"ai","text":"b"}`},
			{Text: `{"type":"ai","text":"c"}`},
		},
		Hang: true,
	}

	_, err := c.Compile(context.Background(), upstream.LLMSource{Provider: p}, helloClips, sink)
	if !errors.Is(err, emitmock.ErrConsumerGone) {
		t.Fatalf("err = %v, want consumer gone", err)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("stream calls = %d, want 1", len(calls))
	}
	select {
	case <-calls[0].Ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("model stream still running after the consumer went away")
	}
}

func TestCompile_SourceContextEndsWithCompilation(t *testing.T) {
	t.Parallel()
	c, _ := testCompiler(t)
	src := &recordingSource{texts: []string{`{"type":"ai","text":"a"}`}}

	if _, err := c.Compile(context.Background(), src, helloClips, &emitmock.Sink{}); err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if src.ctx == nil || src.ctx.Err() == nil {
		t.Error("source context still live after Compile returned")
	}
}

// recordingSource keeps the context it was started with.
type recordingSource struct {
	texts []string
	ctx   context.Context
}

func (s *recordingSource) Fragments(ctx context.Context) (<-chan upstream.Fragment, error) {
	s.ctx = ctx
	return upstream.SliceSource(s.texts).Fragments(ctx)
}

func TestCompile_CallerCancellation(t *testing.T) {
	t.Parallel()
	c, _ := testCompiler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &cancellingSink{cancel: cancel}
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: `{"type":"ai","text":"a"}{"type":"ai",`}}, Hang: true}

	sum, err := c.Compile(ctx, upstream.LLMSource{Provider: p}, helloClips, sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	recs, done := sink.Snapshot()
	if len(recs) != 1 || done != 0 {
		t.Errorf("records = %+v done = %d", recs, done)
	}
	if sum.Outcome != OutcomeCancelled {
		t.Errorf("outcome = %s", sum.Outcome)
	}
}

func TestCompile_GateTimeoutEmitsNothing(t *testing.T) {
	t.Parallel()
	g := gate.New(gate.Config{MaxRequests: 1, MaxStreams: 1, AcquireTimeout: 20 * time.Millisecond})
	hold, err := g.AcquireStream(context.Background())
	if err != nil {
		t.Fatalf("AcquireStream: %v", err)
	}
	defer hold()

	c, _ := testCompiler(t, WithGate(g))
	sink := &emitmock.Sink{}
	sum, err := c.Compile(context.Background(), upstream.SliceSource{`{"type":"ai","text":"a"}`}, nil, sink)
	if !errors.Is(err, gate.ErrAcquireTimeout) {
		t.Fatalf("err = %v, want ErrAcquireTimeout", err)
	}
	if recs, done := sink.Snapshot(); len(recs) != 0 || done != 0 {
		t.Errorf("rejected compilation emitted %+v done=%d", recs, done)
	}
	if sum.Outcome != OutcomeRejected {
		t.Errorf("outcome = %s", sum.Outcome)
	}
}

func TestCompile_ReleasesStreamSlot(t *testing.T) {
	t.Parallel()
	g := gate.New(gate.Config{MaxRequests: 1, MaxStreams: 1, AcquireTimeout: time.Second})
	c, _ := testCompiler(t, WithGate(g))

	for i := range 3 {
		sink := &emitmock.Sink{FailAfter: i % 2}
		_, _ = c.Compile(context.Background(), upstream.SliceSource{`{"type":"ai","text":"a"}{"type":"ai","text":"b"}`}, nil, sink)
	}
	if st := g.Stats(); st.StreamsInUse != 0 {
		t.Errorf("streams in use = %d after all compilations returned", st.StreamsInUse)
	}
}

func TestCompile_FragmentationInvariant(t *testing.T) {
	t.Parallel()
	text := "Here is your script:\n```json\n[\n" +
		`{"type":"ai","text":"Welcome {to} the \"show\""},` + "\n" +
		`{"type":"user","text":"hello  world"},` + "\n" +
		`{"type":"user","text":"unmatched","audio":"seg-1"}` + "\n" +
		"]\n```\nHope you like it.\n" +
		`{"type":"ai","text":"bye \\ \u00e9"}`

	compile := func(chunk int) []script.Record {
		c, _ := testCompiler(t)
		sink := &emitmock.Sink{}
		src := upstream.ReaderSource{R: strings.NewReader(text), ChunkSize: chunk}
		if _, err := c.Compile(context.Background(), src, helloClips, sink); err != nil {
			t.Fatalf("Compile(chunk=%d): %v", chunk, err)
		}
		recs, _ := sink.Snapshot()
		return recs
	}

	want := compile(len(text))
	if len(want) != 6 {
		t.Fatalf("single fragment produced %d records: %+v", len(want), want)
	}
	for _, chunk := range []int{1, 2, 3, 7, 13} {
		if got := compile(chunk); fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("chunk=%d:\n got %+v\nwant %+v", chunk, got, want)
		}
	}
}

func TestCompile_ChannelSinkDelivery(t *testing.T) {
	t.Parallel()
	c, _ := testCompiler(t)
	sink := emit.NewChannelSink(0)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Compile(context.Background(), upstream.SliceSource{`{"type":"ai","text":"a"}`, "\nprose\n"}, nil, sink)
		errc <- err
	}()
	recs, done := emit.Collect(sink.Events())
	if err := <-errc; err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !done || len(recs) != 2 || recs[1] != script.Narration("prose") {
		t.Errorf("records = %+v done = %v", recs, done)
	}
}

func TestCompile_RecordsMetrics(t *testing.T) {
	t.Parallel()
	c, reader := testCompiler(t)
	sink := &emitmock.Sink{}
	src := upstream.SliceSource{`{"type":"user","text":"hello world"}{"type":"ai","text":"ok"}{"broken`, "}\n"}

	if _, err := c.Compile(context.Background(), src, helloClips, sink); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counter(rm, "podscript.records", "kind", "user"); got != 1 {
		t.Errorf("user records = %d, want 1", got)
	}
	if got := counter(rm, "podscript.records", "kind", "ai"); got != 2 {
		t.Errorf("ai records = %d, want 2 (one decoded, one degraded)", got)
	}
	if got := counter(rm, "podscript.reconciliations", "rule", "exact"); got != 1 {
		t.Errorf("exact reconciliations = %d, want 1", got)
	}
	if got := counter(rm, "podscript.malformed_spans", "", ""); got != 1 {
		t.Errorf("malformed spans = %d, want 1", got)
	}
	if got := counter(rm, "podscript.fragments", "", ""); got != 2 {
		t.Errorf("fragments = %d, want 2", got)
	}
}

// counter sums the data points of an int64 counter. With an empty key every
// point counts; otherwise only points whose attribute key equals value.
func counter(rm metricdata.ResourceMetrics, name, key, value string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}
