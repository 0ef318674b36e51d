package emit

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/podscript/pkg/script"
)

// ReadSSE parses a script event stream as written by [SSEWriter] and calls
// fn for every record. It returns done=true when the "[DONE]" event was seen;
// a stream that ends without it was cut short.
func ReadSSE(r io.Reader, fn func(script.Record) error) (done bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	var data []string
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		if payload == script.DoneMarker {
			done = true
			return nil
		}
		rec, err := script.DecodeRecord([]byte(payload))
		if err != nil {
			return fmt.Errorf("emit: decode sse event: %w", err)
		}
		return fn(rec)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return done, err
			}
			if done {
				return true, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return done, fmt.Errorf("emit: read sse stream: %w", err)
	}
	if err := flush(); err != nil {
		return done, err
	}
	return done, nil
}
