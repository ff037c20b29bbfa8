package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Events opens the server-sent event stream and decodes status events into
// the returned channel. The initial snapshot is delivered through onSnapshot
// when it is non-nil. The channel is closed when ctx ends or the stream
// breaks; the error channel then carries the reason, if any.
func (c *Client) Events(ctx context.Context, servers []string, onSnapshot func([]ServerStatus)) (<-chan Event, <-chan error, error) {
	u := c.baseURL + "/events"
	if len(servers) > 0 {
		u += "?servers=" + url.QueryEscape(strings.Join(servers, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, nil, c.apiError(resp)
	}

	events := make(chan Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		defer func() { _ = resp.Body.Close() }()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 64<<10), 4<<20)
		var name string
		var data strings.Builder
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if data.Len() > 0 {
					if err := c.dispatch(ctx, name, data.String(), events, onSnapshot); err != nil {
						errs <- err
						return
					}
				}
				name = ""
				data.Reset()
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()
	return events, errs, nil
}

func (c *Client) dispatch(ctx context.Context, name, data string, out chan<- Event, onSnapshot func([]ServerStatus)) error {
	switch name {
	case "snapshot":
		if onSnapshot == nil {
			return nil
		}
		var snap []ServerStatus
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		onSnapshot(snap)
	case "status":
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	default:
		c.logger.Debug("ignoring unknown event", "event", name)
	}
	return nil
}
