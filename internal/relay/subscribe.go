package relay

import (
	"context"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// Subscribe implements Client. It dials the relay's push endpoint and
// pumps frames into the returned channel until the socket drops or stop
// is called. Push delivery is best-effort: the inbound pipeline's poll
// loop catches anything missed while the socket was down.
func (c *HTTPClient) Subscribe(ctx context.Context, identity string) (<-chan RealtimeEvent, func(), error) {
	u := wsURL(c.baseURL) + "/v1/subscribe?identity=" + url.QueryEscape(identity)

	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan RealtimeEvent, 64)

	go func() {
		defer close(events)
		for {
			var evt RealtimeEvent
			if err := wsjson.Read(ctx, conn, &evt); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("realtime subscription closed", zap.Error(err))
				}
				return
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	}
	return events, stop, nil
}

// wsURL rewrites an http(s) base URL to its ws(s) equivalent.
func wsURL(base string) string {
	if after, ok := strings.CutPrefix(base, "https://"); ok {
		return "wss://" + after
	}
	if after, ok := strings.CutPrefix(base, "http://"); ok {
		return "ws://" + after
	}
	return base
}
