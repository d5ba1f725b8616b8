package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pweids/cairo/pkg/protocol"
)

// Watch opens the server's websocket event stream and delivers events
// until the context is cancelled or the connection drops. The returned
// channel is closed on exit.
func (c *Client) Watch(ctx context.Context) (<-chan protocol.Event, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	if token := c.AuthToken(); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.setOnline(false)
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	c.setOnline(true)

	events := make(chan protocol.Event, 64)
	go func() {
		defer close(events)
		defer conn.Close()

		// Close the connection when the context ends so ReadJSON
		// unblocks.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		for {
			var ev protocol.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
