// Package extract recovers script records from LLM output that arrives as an
// arbitrary sequence of text fragments.
//
// The [Extractor] scans each byte exactly once. It tracks brace depth and
// whether the cursor sits inside a JSON string so that a record is recognised
// the moment its closing brace arrives, no matter how the upstream split the
// text. Everything outside a record (prose, markdown fences, array brackets)
// becomes narration or is discarded; a span that closes but fails to decode
// degrades to narration carrying the raw span.
//
// The output for a given input is independent of how that input was
// fragmented: feeding "ab" in one call and feeding "a" then "b" produce the
// same records.
package extract

import (
	"strings"

	"github.com/MrWong99/podscript/pkg/script"
)

// Stats counts what an [Extractor] has seen since it was created.
type Stats struct {
	// Spans is the number of brace-delimited spans that closed.
	Spans int

	// Malformed is the number of spans that failed to decode, including spans
	// abandoned at a raw line break, stray opening braces followed by another
	// opener before any key, and a residual span left at end of stream.
	Malformed int

	// Narration is the number of narration records produced from text outside
	// any span.
	Narration int
}

// Extractor is an incremental record scanner. The zero value is not usable;
// create one with [New]. An Extractor is not safe for concurrent use; each
// compilation owns its own.
type Extractor struct {
	buf []byte

	// head is the first unconsumed byte of buf. Outside a span buf[head:pos]
	// is the pending narration line; inside a span it is the span so far.
	head int
	pos  int

	depth    int
	inString bool
	escaped  bool

	// keyed is set once the open span has entered its first string. A
	// nested '{' before that point cannot belong to a valid record.
	keyed bool

	stats Stats
}

// New returns an empty Extractor.
func New() *Extractor {
	return &Extractor{buf: make([]byte, 0, 1024)}
}

// Feed appends fragment to the scan buffer and returns every record that
// became complete. It never blocks and never returns an error.
func (e *Extractor) Feed(fragment string) []script.Record {
	if fragment == "" {
		return nil
	}
	e.buf = append(e.buf, fragment...)

	var out []script.Record
	for ; e.pos < len(e.buf); e.pos++ {
		c := e.buf[e.pos]

		if e.depth == 0 {
			switch c {
			case '\n':
				out = e.flushLine(out)
				e.head = e.pos + 1
			case '{':
				out = e.flushLine(out)
				e.head = e.pos
				e.depth = 1
				e.keyed = false
			}
			continue
		}

		if e.inString {
			switch {
			case e.escaped:
				e.escaped = false
			case c == '\\':
				e.escaped = true
			case c == '"':
				e.inString = false
			case c == '\n':
				// A raw line break is never valid inside a JSON string.
				out = e.abandonSpan(out)
				e.head = e.pos + 1
			}
			continue
		}

		switch c {
		case '"':
			e.inString = true
			e.keyed = true
		case '{':
			if e.depth == 1 && !e.keyed {
				out = e.restartSpan(out)
				continue
			}
			e.depth++
		case '}':
			e.depth--
			if e.depth == 0 {
				out = append(out, e.closeSpan(e.buf[e.head:e.pos+1]))
				e.head = e.pos + 1
			}
		}
	}

	e.compact()
	return out
}

// Flush ends the stream. Pending narration becomes a narration record; an
// unterminated span gets one last decode attempt and otherwise becomes a
// single warning record carrying the residual text. The Extractor is reset
// and may be reused afterwards.
func (e *Extractor) Flush() []script.Record {
	var out []script.Record
	if e.depth > 0 {
		residual := e.buf[e.head:]
		if rec, err := script.DecodeRecord(residual); err == nil {
			e.stats.Spans++
			out = append(out, rec)
		} else {
			e.stats.Malformed++
			out = append(out, script.Warning(strings.TrimSpace(string(residual))))
		}
	} else {
		e.pos = len(e.buf)
		out = e.flushLine(out)
	}
	e.reset()
	return out
}

// Discard drops any buffered input without producing records.
func (e *Extractor) Discard() {
	e.reset()
}

// Pending returns the number of buffered bytes that have not yet produced a
// record.
func (e *Extractor) Pending() int {
	return len(e.buf) - e.head
}

// InRecord reports whether the scanner is inside an open span.
func (e *Extractor) InRecord() bool {
	return e.depth > 0
}

// Stats returns cumulative counters.
func (e *Extractor) Stats() Stats {
	return e.stats
}

// closeSpan decodes a balanced span, degrading it to narration on failure.
func (e *Extractor) closeSpan(span []byte) script.Record {
	e.stats.Spans++
	rec, err := script.DecodeRecord(span)
	if err != nil {
		e.stats.Malformed++
		e.stats.Narration++
		return script.Narration(string(span))
	}
	return rec
}

// abandonSpan gives up on the open span at the current cursor and emits its
// text as narration. Scanning resumes outside any span.
func (e *Extractor) abandonSpan(out []script.Record) []script.Record {
	e.stats.Malformed++
	text := strings.TrimSpace(string(e.buf[e.head:e.pos]))
	e.depth, e.inString, e.escaped = 0, false, false
	if text == "" {
		return out
	}
	e.stats.Narration++
	return append(out, script.Narration(text))
}

// restartSpan treats the open span's opening brace as stray prose and starts
// a new span at the current cursor. Whatever followed the stray brace is
// emitted as narration.
func (e *Extractor) restartSpan(out []script.Record) []script.Record {
	e.stats.Malformed++
	text := strings.TrimSpace(string(e.buf[e.head+1 : e.pos]))
	e.head = e.pos
	e.keyed = false
	if isMarker(text) {
		return out
	}
	e.stats.Narration++
	return append(out, script.Narration(text))
}

// flushLine emits buf[head:pos] as narration unless it is blank or a known
// formatting marker.
func (e *Extractor) flushLine(out []script.Record) []script.Record {
	line := strings.TrimSpace(string(e.buf[e.head:e.pos]))
	if isMarker(line) {
		return out
	}
	e.stats.Narration++
	return append(out, script.Narration(line))
}

// compact moves the unconsumed tail to the front of the buffer.
func (e *Extractor) compact() {
	if e.head == 0 {
		return
	}
	n := copy(e.buf, e.buf[e.head:])
	e.buf = e.buf[:n]
	e.pos -= e.head
	e.head = 0
}

func (e *Extractor) reset() {
	e.buf = e.buf[:0]
	e.head, e.pos = 0, 0
	e.depth, e.inString, e.escaped, e.keyed = 0, false, false, false
}

// isMarker reports whether a trimmed narration line carries no content:
// empty lines, code fences, and lines made only of array punctuation.
func isMarker(line string) bool {
	if line == "" || strings.HasPrefix(line, "```") {
		return true
	}
	for _, r := range line {
		switch r {
		case '[', ']', ',', ' ', '\t', '\r':
		default:
			return false
		}
	}
	return true
}
