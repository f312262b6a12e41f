package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/metrics"
)

const (
	eventQueueCapacity = 100

	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second

	readDeadline = 90 * time.Second
	pingInterval = 30 * time.Second
)

// wsFrame is one inbound event frame off the socket.
type wsFrame struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
	Seq   int64                  `json:"seq"`
}

// Listener maintains a WebSocket connection to the chat backend, reconnecting
// with exponential backoff, and delivers inbound posts on a bounded channel.
// When the queue is full the newest event is dropped, never the oldest:
// commands already waiting keep their place in line.
type Listener struct {
	url    string
	token  string
	botID  string
	events chan *Post
	log    *zap.Logger
	m      *metrics.Metrics

	dialer *websocket.Dialer
}

// NewListener builds a listener for the backend at baseURL (http/https; the
// scheme is rewritten for the socket endpoint).
func NewListener(baseURL, token, botUserID string, log *zap.Logger, m *metrics.Metrics) *Listener {
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/api/v4/websocket"
	return &Listener{
		url:    wsURL,
		token:  token,
		botID:  botUserID,
		events: make(chan *Post, eventQueueCapacity),
		log:    log,
		m:      m,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Events returns the inbound post channel. It is closed when Run returns.
func (l *Listener) Events() <-chan *Post { return l.events }

// Run connects and reads until ctx is cancelled, reconnecting on any error.
// The backoff doubles from 1s to a 60s cap and resets once a connection
// delivers a frame.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.events)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 0 {
			l.m.ChatReconnects.Inc()
			delay := backoffDelay(attempt)
			l.log.Warn("chat socket reconnecting",
				zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		delivered, err := l.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			l.log.Warn("chat socket closed", zap.Error(err))
		}
		if delivered {
			attempt = 1
		} else {
			attempt++
		}
	}
}

// connectAndRead runs one connection lifetime. It reports whether any frame
// was read before the connection failed.
func (l *Listener) connectAndRead(ctx context.Context) (bool, error) {
	conn, resp, err := l.dialer.DialContext(ctx, l.url, http.Header{})
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, err
	}
	defer conn.Close()

	// First write is the authentication challenge; the server drops
	// unauthenticated sockets after a grace period.
	auth := map[string]interface{}{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": l.token},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return false, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go l.keepAlive(ctx, conn, stop)

	delivered := false
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return delivered, err
		}
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return delivered, err
		}
		delivered = true
		if frame.Event != "posted" {
			continue
		}
		if post := l.decodePost(frame.Data); post != nil {
			l.enqueue(post)
		}
	}
}

func (l *Listener) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// decodePost extracts the post from a "posted" frame. The backend ships the
// post itself as a JSON string inside the frame data. Posts authored by the
// bot and empty messages are discarded here so the router never sees them.
func (l *Listener) decodePost(data map[string]interface{}) *Post {
	raw, ok := data["post"].(string)
	if !ok {
		return nil
	}
	var p Post
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		l.log.Warn("chat: undecodable post payload", zap.Error(err))
		return nil
	}
	if p.UserID == l.botID || strings.TrimSpace(p.Message) == "" {
		return nil
	}
	return &p
}

func (l *Listener) enqueue(p *Post) {
	select {
	case l.events <- p:
	default:
		l.m.DroppedChatEvents.Inc()
		l.log.Warn("chat event queue full, dropping newest",
			zap.String("channel_id", p.ChannelID), zap.String("post_id", p.ID))
	}
}

// backoffDelay returns the reconnect delay for the given attempt: exponential
// from 1s capped at 60s, plus a deterministic 0-25% spread keyed on the
// attempt number so a fleet of listeners does not thunder in step.
func backoffDelay(attempt int) time.Duration {
	d := initialBackoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d + d*time.Duration(attempt%6)/20
}
