package lending

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"nhooyr.io/websocket"

	"lendex/storage/journal"
)

// Events subscribes to the node's committed event stream. Entries arrive in
// sequence order on the returned channel until ctx ends or the stream fails,
// after which the channel is closed. The cursor resumes the stream after the
// given journal sequence; zero replays everything the node still retains.
// Callers reconnect with the last sequence they processed.
func (c *Client) Events(ctx context.Context, cursor int64) (<-chan journal.Entry, error) {
	if c == nil || c.httpClient == nil {
		return nil, errNotInitialised
	}
	if cursor < 0 {
		return nil, fmt.Errorf("event cursor must not be negative")
	}
	target, err := c.eventsURL(cursor)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	entries := make(chan journal.Entry)
	go func() {
		defer close(entries)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, payload, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var entry journal.Entry
			if err := json.Unmarshal(payload, &entry); err != nil {
				return
			}
			select {
			case entries <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()
	return entries, nil
}

// eventsURL derives the websocket endpoint from the RPC endpoint, preserving
// any base path in front of /ws/events.
func (c *Client) eventsURL(cursor int64) (string, error) {
	parsed, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws/events"
	if cursor > 0 {
		query := parsed.Query()
		query.Set("cursor", strconv.FormatInt(cursor, 10))
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}
