package server

import (
	"context"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/MrWong99/podscript/internal/compiler"
	"github.com/MrWong99/podscript/internal/emit"
	"github.com/MrWong99/podscript/internal/gate"
	"github.com/MrWong99/podscript/internal/observe"
	"github.com/MrWong99/podscript/internal/upstream"
	"github.com/MrWong99/podscript/pkg/script"
)

// compileSession compiles with the clips recorded in a session.
func (s *Server) compileSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	r = r.WithContext(observe.WithLogAttrs(r.Context(), "session_id", id))
	clips, err := s.sessions.Clips(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	src, err := s.source(compileRequest{}, clips)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.streamSSE(w, r, "session", src, clips)
}

// compileBody compiles with the clips given in the request body.
func (s *Server) compileBody(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := parseCompileRequest(data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	clips := req.catalogue()
	src, err := s.source(req, clips)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.streamSSE(w, r, "body", src, clips)
}

// streamSSE runs one compilation onto an SSE response. Nothing is written
// before the compiler holds a stream slot, so a rejection still becomes a
// plain 503.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, route string, src upstream.Source, clips []script.Clip) {
	sum, err := s.compiler.Compile(r.Context(), src, clips, emit.NewSSEWriter(w))
	logCompile(r.Context(), route, len(clips), sum, err)
	if err != nil && sum.Outcome == compiler.OutcomeRejected && errors.Is(err, gate.ErrAcquireTimeout) {
		s.busy(w)
	}
}

// compileWebSocket serves one compilation per connection. The first client
// message is a compile request; each record is sent as one text message,
// followed by the done marker, and the server then closes the connection.
func (s *Server) compileWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Info("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	ctx := r.Context()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	// The client sends nothing after the request; watching for its close
	// frame turns a disconnect into a cancelled context.
	ctx = conn.CloseRead(ctx)
	sink := emit.NewWSWriter(conn)

	if typ != websocket.MessageText {
		s.rejectWS(ctx, conn, sink, websocket.StatusUnsupportedData, "compile request must be a JSON text message")
		return
	}
	req, err := parseCompileRequest(data)
	if err != nil {
		s.rejectWS(ctx, conn, sink, websocket.StatusPolicyViolation, err.Error())
		return
	}
	clips := req.catalogue()
	src, err := s.source(req, clips)
	if err != nil {
		s.rejectWS(ctx, conn, sink, websocket.StatusTryAgainLater, err.Error())
		return
	}

	sum, err := s.compiler.Compile(ctx, src, clips, sink)
	logCompile(ctx, "websocket", len(clips), sum, err)
	switch {
	case err == nil:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case sum.Outcome == compiler.OutcomeRejected && errors.Is(err, gate.ErrAcquireTimeout):
		s.rejectWS(ctx, conn, sink, websocket.StatusTryAgainLater, "server busy, retry later")
	}
}

// rejectWS reports a request that will not be compiled as an error record
// and the done marker, then closes with code.
func (s *Server) rejectWS(ctx context.Context, conn *websocket.Conn, sink emit.Sink, code websocket.StatusCode, reason string) {
	if err := sink.Emit(ctx, script.Error(reason)); err != nil {
		return
	}
	if err := sink.Done(ctx); err != nil {
		return
	}
	_ = conn.Close(code, closeReason(reason))
}

// closeReason trims reason to what fits in a close frame.
func closeReason(reason string) string {
	const limit = 120
	if len(reason) <= limit {
		return reason
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
