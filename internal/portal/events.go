package portal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"civicpulse.org/internal/session"
	"civicpulse.org/internal/stream"
)

const maxEventLine = 1 << 20

// Watch follows the live lifecycle feed and calls fn for every message until
// ctx ends, the server closes the stream, or fn returns an error. The
// session's HTTP client must not impose a total request timeout.
func (c *Client) Watch(ctx context.Context, fn func(stream.Message) error) error {
	h := http.Header{}
	h.Set("Accept", "text/event-stream")
	resp, err := c.sess.AuthorizedCall(ctx, session.Request{Method: http.MethodGet, Path: "/complaints/events", Header: h})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return session.ErrorFromResponse(resp)
	}
	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses a text/event-stream body. Comment lines are keep-alives.
func readEvents(r io.Reader, fn func(stream.Message) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxEventLine)

	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var msg stream.Message
			if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(msg); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}
