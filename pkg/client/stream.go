package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StreamNDJSON reads newline-delimited JSON values from r, decoding each
// non-blank line into a T and passing it to handle. A final line with no
// trailing newline is still decoded before EOF is reported (testable
// property 7, /api/v1/generate_embedding_batch response body).
func StreamNDJSON[T any](r io.Reader, handle func(T) error) error {
	reader := bufio.NewReader(r)
	for {
		line, readErr := reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			var v T
			if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
				return fmt.Errorf("client: ndjson decode: %w", err)
			}
			if err := handle(v); err != nil {
				return err
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("client: ndjson read: %w", readErr)
		}
	}
}

const sseDataPrefix = "data: "

// StreamSSE reads a text/event-stream body from r, extracting the payload
// of every "data: " line and passing it to handle verbatim. Lines that are
// not a data field (comments, event:, blank keep-alives) are ignored.
func StreamSSE(r io.Reader, handle func(string) error) error {
	reader := bufio.NewReader(r)
	for {
		line, readErr := reader.ReadString('\n')
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, sseDataPrefix) {
			if err := handle(strings.TrimPrefix(line, sseDataPrefix)); err != nil {
				return err
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("client: sse read: %w", readErr)
		}
	}
}

// StreamSSEJSON is StreamSSE specialized to decode each data payload as JSON
// into a T, the shape used by /api/v1/agents/stream and
// /api/v1/buffered_requests/stream.
func StreamSSEJSON[T any](r io.Reader, handle func(T) error) error {
	return StreamSSE(r, func(payload string) error {
		var v T
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return fmt.Errorf("client: sse json decode: %w", err)
		}
		return handle(v)
	})
}
