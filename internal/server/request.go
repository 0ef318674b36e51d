package server

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MrWong99/podscript/internal/session"
	"github.com/MrWong99/podscript/pkg/script"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

const compileSchemaURL = "podscript://compile_request.schema.json"

//go:embed compile_request.schema.json
var compileSchemaJSON []byte

var compileSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(compileSchemaURL, bytes.NewReader(compileSchemaJSON)); err != nil {
		panic(fmt.Sprintf("server: add compile schema: %v", err))
	}
	return c.MustCompile(compileSchemaURL)
}

// errBadRequest marks client errors answered with 400.
var errBadRequest = errors.New("bad request")

// compileRequest is the body of POST /v1/script and the first WebSocket
// message of /v1/script/ws.
type compileRequest struct {
	// Clips is the catalogue given directly.
	Clips []script.Clip `json:"clips"`

	// Contexts is a conversation in session message form. Its user messages
	// with a sequence id are added to the catalogue after Clips.
	Contexts []session.Message `json:"contexts"`

	// Transcript, when set, is compiled as is instead of asking the model.
	Transcript string `json:"transcript"`

	// Instruction overrides the configured instruction for this request.
	Instruction string `json:"instruction"`
}

// catalogue returns the clips of the request in catalogue order.
func (r compileRequest) catalogue() []script.Clip {
	clips := append([]script.Clip(nil), r.Clips...)
	return append(clips, session.ClipsFromMessages(r.Contexts)...)
}

// parseCompileRequest validates data against the compile request schema and
// decodes it.
func parseCompileRequest(data []byte) (compileRequest, error) {
	var raw any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return compileRequest{}, fmt.Errorf("%w: invalid JSON: %w", errBadRequest, err)
	}
	if err := compileSchema.Validate(raw); err != nil {
		return compileRequest{}, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	var req compileRequest
	if err := sonic.Unmarshal(data, &req); err != nil {
		return compileRequest{}, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return req, nil
}

// readBody reads at most maxBodyBytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", errBadRequest, maxBodyBytes)
		}
		return nil, fmt.Errorf("server: read body: %w", err)
	}
	return data, nil
}

// decodeOptional decodes data into v unless data is empty.
func decodeOptional(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %w", errBadRequest, err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
