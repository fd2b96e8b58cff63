package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-contrib/sse"
	"go.uber.org/zap"

	"github.com/justinsiek/Maker-Safe/internal/state"
)

// Subscribe opens the event stream and calls handle for every event, in arrival order,
// until the stream ends or ctx is cancelled. A stream closed by the server returns nil.
func (c *Client) Subscribe(ctx context.Context, handle func(state.Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.EventsURL)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("event stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: received non-200 status code: %d", resp.StatusCode)
	}
	c.log.Info("event stream connected", zap.String("url", c.cfg.EventsURL))

	err = readFrames(resp.Body, func(frame []byte) {
		events, err := sse.Decode(bytes.NewReader(frame))
		if err != nil {
			c.log.Warn("undecodable event frame", zap.Error(err))
			return
		}
		for _, ev := range events {
			if se, ok := toStateEvent(ev); ok {
				handle(se)
			}
		}
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readFrames splits an SSE body into blank-line separated frames.
// A trailing frame without its blank line is incomplete and dropped.
func readFrames(r io.Reader, frame func([]byte)) error {
	br := bufio.NewReader(r)
	var buf bytes.Buffer
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			buf.Write(line)
			buf.WriteByte('\n')
			continue
		}
		if buf.Len() > 0 {
			frame(buf.Bytes())
			buf.Reset()
		}
	}
}

// envelope is the generic "message" form: {"event": "...", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

func toStateEvent(ev sse.Event) (state.Event, bool) {
	var data []byte
	switch d := ev.Data.(type) {
	case string:
		data = []byte(d)
	case []byte:
		data = d
	case nil:
	default:
		return state.Event{}, false
	}

	name := strings.TrimSpace(ev.Event)
	if name != "" && name != "message" {
		return state.Event{Type: state.EventType(name), Data: json.RawMessage(data)}, true
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return state.Event{}, false
	}
	name = env.Event
	if name == "" {
		name = env.Type
	}
	if name == "" {
		return state.Event{}, false
	}
	return state.Event{Type: state.EventType(name), Data: env.Data}, true
}
