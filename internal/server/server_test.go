package server_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/podscript/internal/compiler"
	"github.com/MrWong99/podscript/internal/config"
	"github.com/MrWong99/podscript/internal/emit"
	"github.com/MrWong99/podscript/internal/gate"
	"github.com/MrWong99/podscript/internal/observe"
	"github.com/MrWong99/podscript/internal/server"
	"github.com/MrWong99/podscript/internal/session"
	"github.com/MrWong99/podscript/pkg/provider/llm"
	llmmock "github.com/MrWong99/podscript/pkg/provider/llm/mock"
	"github.com/MrWong99/podscript/pkg/script"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	url   string
	store session.Store
	gate  *gate.Gate
	srv   *server.Server
}

func newFixture(t *testing.T, gateCfg gate.Config, opts ...server.Option) *fixture {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	g := gate.New(gateCfg, gate.WithMetrics(m))
	comp := compiler.New(compiler.WithGate(g), compiler.WithMetrics(m))

	srv := server.New(store, comp, append([]server.Option{
		server.WithGate(g),
		server.WithMetrics(m),
		server.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		})),
	}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{url: ts.URL, store: store, gate: g, srv: srv}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.url+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.url + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var v T
	if err := sonic.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func readRecords(t *testing.T, resp *http.Response) []script.Record {
	t.Helper()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	var recs []script.Record
	done, err := emit.ReadSSE(resp.Body, func(r script.Record) error {
		recs = append(recs, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSSE: %v", err)
	}
	if !done {
		t.Fatal("stream ended without [DONE]")
	}
	return recs
}

func chunks(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, llm.Chunk{Text: p})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

// ── sessions ────────────────────────────────────────────────────────────────

func TestSessionLifecycleAndCompile(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{StreamChunks: chunks(
		`{"type":"ai","text":"Welcome back."}`+"\n"+`{"type":"us`,
		`er","text":"I was born here","audio":"seg-1"}`+"\n",
		`{"type":"ai","text":"And then?"}`,
	)}
	f := newFixture(t, gate.Config{}, server.WithLLM(provider))

	resp := f.post(t, "/v1/sessions", `{"username":"alice"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	sess := decode[session.Session](t, resp)
	if sess.ID == "" || sess.Username != "alice" {
		t.Fatalf("session = %+v", sess)
	}

	for _, body := range []string{
		`{"role":"user","content":"I was born here","sequence_id":"seg-1"}`,
		`{"role":"assistant","content":"Tell me more"}`,
	} {
		if resp := f.post(t, "/v1/sessions/"+sess.ID+"/messages", body); resp.StatusCode != http.StatusCreated {
			t.Fatalf("append status = %d", resp.StatusCode)
		}
	}
	got := decode[session.Session](t, f.get(t, "/v1/sessions/"+sess.ID))
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %+v", got.Messages)
	}

	recs := readRecords(t, f.post(t, "/v1/sessions/"+sess.ID+"/script", ""))
	want := []script.Record{
		{Kind: script.KindNarration, Text: "Welcome back."},
		{Kind: script.KindUser, Text: "I was born here", ClipID: "seg-1"},
		{Kind: script.KindNarration, Text: "And then?"},
	}
	if len(recs) != len(want) {
		t.Fatalf("records = %+v, want %+v", recs, want)
	}
	for i := range want {
		if recs[i] != want[i] {
			t.Errorf("records[%d] = %+v, want %+v", i, recs[i], want[i])
		}
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("stream calls = %d, want 1", len(calls))
	}
	if !strings.Contains(calls[0].Req.SystemPrompt, `"clipId": "seg-1"`) {
		t.Errorf("system prompt lacks the clip list:\n%s", calls[0].Req.SystemPrompt)
	}
}

func TestSessionErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gate.Config{}, server.WithLLM(&llmmock.Provider{}))
	unknown := session.NewID()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"get unknown", http.MethodGet, "/v1/sessions/" + unknown, "", http.StatusNotFound},
		{"get malformed id", http.MethodGet, "/v1/sessions/not-a-uuid", "", http.StatusNotFound},
		{"append unknown", http.MethodPost, "/v1/sessions/" + unknown + "/messages", `{"role":"user","content":"x"}`, http.StatusNotFound},
		{"compile unknown", http.MethodPost, "/v1/sessions/" + unknown + "/script", "", http.StatusNotFound},
		{"create bad json", http.MethodPost, "/v1/sessions", `{"username":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.method == http.MethodGet {
				resp = f.get(t, tt.path)
			} else {
				resp = f.post(t, tt.path, tt.body)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	sess := decode[session.Session](t, f.post(t, "/v1/sessions", ""))
	if sess.Username != session.DefaultUsername {
		t.Errorf("username = %q, want default", sess.Username)
	}
	if resp := f.post(t, "/v1/sessions/"+sess.ID+"/messages", `{"content":"no role"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("append without role status = %d, want 400", resp.StatusCode)
	}
}

// ── body compile ────────────────────────────────────────────────────────────

func TestCompileBody_Transcript(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gate.Config{})

	body := `{
		"clips": [{"id": "c1", "content": "the sea was loud"}],
		"contexts": [{"role": "user", "content": "we sailed at dawn", "sequence_id": "c2"}],
		"transcript": "{\"type\":\"user\",\"text\":\"the   sea  was loud\",\"audio\":\"\"}\n{\"type\":\"user\",\"text\":\"we sailed at dawn\"}\n"
	}`
	recs := readRecords(t, f.post(t, "/v1/script", body))
	want := []script.Record{
		{Kind: script.KindUser, Text: "the sea was loud", ClipID: "c1"},
		{Kind: script.KindUser, Text: "we sailed at dawn", ClipID: "c2"},
	}
	if len(recs) != len(want) {
		t.Fatalf("records = %+v, want %+v", recs, want)
	}
	for i := range want {
		if recs[i] != want[i] {
			t.Errorf("records[%d] = %+v, want %+v", i, recs[i], want[i])
		}
	}
}

func TestCompileBody_InstructionOverride(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{StreamChunks: chunks(`{"type":"ai","text":"hi"}`)}
	f := newFixture(t, gate.Config{}, server.WithLLM(provider),
		server.WithScript(config.ScriptConfig{Instruction: "configured"}))

	readRecords(t, f.post(t, "/v1/script", `{"clips":[{"id":"c1","content":"x"}]}`))
	readRecords(t, f.post(t, "/v1/script", `{"clips":[{"id":"c1","content":"x"}],"instruction":"per request"}`))
	f.srv.SetScript(config.ScriptConfig{Instruction: "reloaded"})
	readRecords(t, f.post(t, "/v1/script", `{"clips":[{"id":"c1","content":"x"}]}`))

	calls := provider.Calls()
	if len(calls) != 3 {
		t.Fatalf("stream calls = %d, want 3", len(calls))
	}
	for i, want := range []string{"configured", "per request", "reloaded"} {
		msgs := calls[i].Req.Messages
		if got := msgs[len(msgs)-1].Content; got != want {
			t.Errorf("call %d instruction = %q, want %q", i, got, want)
		}
	}
}

func TestCompileBody_Rejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gate.Config{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", `{"clips":`, http.StatusBadRequest},
		{"empty object", `{}`, http.StatusBadRequest},
		{"unknown field", `{"transcript":"x","bogus":1}`, http.StatusBadRequest},
		{"clip without id", `{"clips":[{"content":"x"}]}`, http.StatusBadRequest},
		{"clip id wrong type", `{"clips":[{"id":7,"content":"x"}]}`, http.StatusBadRequest},
		{"needs llm", `{"clips":[{"id":"c1","content":"x"}]}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, "/v1/script", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if e := decode[map[string]string](t, resp); e["error"] == "" {
				t.Error("error body has no message")
			}
		})
	}
}

func TestCompileBody_UpstreamFailureInBand(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: `{"type":"ai","text":"first"}` + "\n" + `{"type":"ai","te`},
		{FinishReason: llm.FinishReasonError},
	}}
	f := newFixture(t, gate.Config{}, server.WithLLM(provider))

	recs := readRecords(t, f.post(t, "/v1/script", `{"clips":[{"id":"c1","content":"x"}]}`))
	if len(recs) != 2 || recs[0].Text != "first" || recs[1].Kind != script.KindError {
		t.Errorf("records = %+v, want narration then error", recs)
	}
}

// ── gate ────────────────────────────────────────────────────────────────────

func TestGate_StreamSlotsExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gate.Config{MaxRequests: 4, MaxStreams: 1, AcquireTimeout: 50 * time.Millisecond})

	release, err := f.gate.AcquireStream(context.Background())
	if err != nil {
		t.Fatalf("AcquireStream: %v", err)
	}
	resp := f.post(t, "/v1/script", `{"transcript":"{\"type\":\"ai\",\"text\":\"x\"}"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		t.Error("rejected compilation must not start an event stream")
	}

	release()
	readRecords(t, f.post(t, "/v1/script", `{"transcript":"{\"type\":\"ai\",\"text\":\"x\"}"}`))
}

func TestGate_RequestSlotsExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gate.Config{MaxRequests: 1, MaxStreams: 1, AcquireTimeout: 1500 * time.Millisecond})

	release, err := f.gate.AcquireRequest(context.Background())
	if err != nil {
		t.Fatalf("AcquireRequest: %v", err)
	}
	defer release()

	resp := f.post(t, "/v1/sessions", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}

	// Probes are not gated.
	if resp := f.get(t, "/healthz"); resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}
}

// ── websocket ───────────────────────────────────────────────────────────────

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.url, "http")+"/v1/script/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// readWS collects records until the done marker and returns them with the
// close status that follows.
func readWS(t *testing.T, conn *websocket.Conn) ([]script.Record, websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var recs []script.Record
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read before [DONE]: %v", err)
		}
		if string(data) == script.DoneMarker {
			break
		}
		rec, err := script.DecodeRecord(data)
		if err != nil {
			t.Fatalf("DecodeRecord(%s): %v", data, err)
		}
		recs = append(recs, rec)
	}
	_, _, err := conn.Read(ctx)
	return recs, websocket.CloseStatus(err)
}

func TestWebSocket_Compile(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{StreamChunks: chunks(
		`{"type":"ai","text":"Hello"}`+"\n"+`{"type":"user","text":"the sea`,
		` was loud","audio":"c1"}`,
	)}
	f := newFixture(t, gate.Config{}, server.WithLLM(provider))
	conn := dialWS(t, f)

	if err := conn.Write(context.Background(), websocket.MessageText,
		[]byte(`{"clips":[{"id":"c1","content":"the sea was loud"}]}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	recs, status := readWS(t, conn)
	if len(recs) != 2 || recs[1].ClipID != "c1" {
		t.Errorf("records = %+v", recs)
	}
	if status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", status)
	}
}

func TestWebSocket_InvalidRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gate.Config{})
	conn := dialWS(t, f)

	if err := conn.Write(context.Background(), websocket.MessageText, []byte(`{"nope":true}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	recs, status := readWS(t, conn)
	if len(recs) != 1 || recs[0].Kind != script.KindError {
		t.Errorf("records = %+v, want one error record", recs)
	}
	if status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", status)
	}
}

// ── probes ──────────────────────────────────────────────────────────────────

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gate.Config{})

	ready := decode[map[string]any](t, f.get(t, "/readyz"))
	checks, _ := ready["checks"].(map[string]any)
	if ready["status"] != "ok" || checks["sessions"] != "ok" {
		t.Errorf("/readyz = %v", ready)
	}
	resp := f.get(t, "/metrics")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(body), "# metrics") {
		t.Errorf("/metrics = %d %q", resp.StatusCode, body)
	}
}
