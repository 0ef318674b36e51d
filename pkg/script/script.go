// Package script defines the record types that make up a compiled podcast
// script and their JSON-lines wire encoding.
//
// A script is an ordered sequence of [Record] values. Narration records carry
// text the host speaks, user records point at a recorded audio clip by id, and
// warning/error records surface problems to the consumer in-band instead of
// aborting the stream.
//
// Records are plain values and safe to share between goroutines.
package script

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// DoneMarker is the payload of the terminal event that follows the last record
// of every compilation.
const DoneMarker = "[DONE]"

// Kind discriminates the variants of a [Record].
type Kind int

const (
	// KindNarration is host narration. Wire name "ai".
	KindNarration Kind = iota

	// KindUser is a line spoken by the user, backed by a recorded clip.
	// Wire name "user".
	KindUser

	// KindWarning reports recoverable trouble such as unparseable trailing
	// output. Wire name "warning".
	KindWarning

	// KindError reports an upstream failure that ended the compilation early.
	// Wire name "error".
	KindError
)

var kindNames = [...]string{
	KindNarration: "ai",
	KindUser:      "user",
	KindWarning:   "warning",
	KindError:     "error",
}

// String returns the wire name of k.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a wire name back to its [Kind].
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), true
		}
	}
	return 0, false
}

// Record is one line of a compiled script.
type Record struct {
	// Kind selects the variant.
	Kind Kind

	// Text is the spoken or reported text. May be empty.
	Text string

	// ClipID references the audio clip that backs a [KindUser] record.
	// It is ignored for every other kind. After reconciliation a user record
	// always carries a non-empty ClipID.
	ClipID string
}

// Narration returns a narration record with the given text.
func Narration(text string) Record { return Record{Kind: KindNarration, Text: text} }

// Warning returns a warning record with the given text.
func Warning(text string) Record { return Record{Kind: KindWarning, Text: text} }

// Error returns an error record with the given text.
func Error(text string) Record { return Record{Kind: KindError, Text: text} }

// Clip is one entry of the caller-supplied clip catalogue: a recorded user
// utterance and the id of its audio file.
type Clip struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// ErrInvalidRecord is returned by [DecodeRecord] when the input is not an
// object with a recognised "type" and string-valued "text"/"audio" fields.
var ErrInvalidRecord = errors.New("script: invalid record")

// wireRecord is the JSON shape of a record line.
type wireRecord struct {
	Type  string  `json:"type"`
	Text  string  `json:"text"`
	Audio *string `json:"audio,omitempty"`
}

// lineAPI replaces invalid UTF-8 in string values with U+FFFD so every
// emitted line is valid JSON. HTML characters are left as they are.
var lineAPI = sonic.Config{ValidateString: true}.Froze()

// MarshalLine encodes r as a single JSON object without a trailing newline.
// The "audio" field is present only for user records.
func MarshalLine(r Record) ([]byte, error) {
	w := wireRecord{Type: r.Kind.String(), Text: r.Text}
	if r.Kind == KindUser {
		id := r.ClipID
		w.Audio = &id
	}
	b, err := lineAPI.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("script: marshal record: %w", err)
	}
	return b, nil
}

// DecodeRecord strictly decodes one JSON object into a [Record].
//
// The object must carry a string "type" naming a known kind. "text" and
// "audio" are optional (null counts as absent) but must be strings when
// present; any other field is ignored. An "audio" value on a non-user record
// is dropped.
func DecodeRecord(data []byte) (Record, error) {
	var raw map[string]any
	if err := sonic.ConfigDefault.Unmarshal(data, &raw); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if raw == nil {
		return Record{}, fmt.Errorf("%w: not an object", ErrInvalidRecord)
	}

	typ, ok := raw["type"].(string)
	if !ok {
		return Record{}, fmt.Errorf("%w: missing or non-string type", ErrInvalidRecord)
	}
	kind, ok := ParseKind(typ)
	if !ok {
		return Record{}, fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, typ)
	}

	rec := Record{Kind: kind}
	if v := raw["text"]; v != nil {
		s, ok := v.(string)
		if !ok {
			return Record{}, fmt.Errorf("%w: text is not a string", ErrInvalidRecord)
		}
		rec.Text = s
	}
	if v := raw["audio"]; v != nil && kind == KindUser {
		s, ok := v.(string)
		if !ok {
			return Record{}, fmt.Errorf("%w: audio is not a string", ErrInvalidRecord)
		}
		rec.ClipID = s
	}
	return rec, nil
}
