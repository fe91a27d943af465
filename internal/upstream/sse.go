// Package upstream holds the HTTP clients for the native (Anthropic-format)
// and legacy (OpenAI-format) backends, plus SSE stream reading.
package upstream

import (
	"bufio"
	"io"
	"strings"
)

// DoneMarker terminates a legacy SSE stream.
const DoneMarker = "[DONE]"

// maxSSELineSize bounds a single SSE line; argument fragments can carry
// large embedded payloads.
const maxSSELineSize = 4 * 1024 * 1024

// ReadSSE reads `data:` frames from r, invoking fn for each payload until
// [DONE], EOF, or a callback error. Non-data lines are ignored.
func ReadSSE(r io.Reader, fn func(data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == DoneMarker {
			return nil
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return scanner.Err()
}
