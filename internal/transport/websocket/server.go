// Package websocket pushes request status changes to a connected client.
//
// Clients open a WebSocket connection to:
//
//	GET /requests/{requestId}/ws
//
// The server re-reads the record on an interval and sends a frame whenever
// the status view changes. After the first terminal frame it sends a normal
// close and hangs up.
//
// Server → client frame:
//
//	{"type":"status","status":{...StatusView...}}
//	{"type":"error","error":"..."}
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/admitq/internal/query"
)

const (
	defaultInterval = 250 * time.Millisecond
	writeWait       = 5 * time.Second
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrades. Requests without an Origin
	// header (native clients) are allowed; otherwise the Origin host must
	// equal the Host header.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  512,
	WriteBufferSize: 2048,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Frame is the JSON structure the server sends to the client.
type Frame struct {
	Type   string            `json:"type"` // "status" | "error"
	Status *query.StatusView `json:"status,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Watcher serves status watch connections.
type Watcher struct {
	Status   func(ctx context.Context, requestID string) (query.StatusView, error)
	Interval time.Duration
	Logger   *slog.Logger
}

// Serve upgrades the connection and streams frames for requestID until the
// request is terminal, the client goes away, or r's context ends.
func (wt *Watcher) Serve(w http.ResponseWriter, r *http.Request, requestID string) {
	logger := wt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := wt.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "request_id", requestID, "error", err)
		return
	}
	defer conn.Close()

	// The client sends nothing we care about; reading detects the hang-up.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *query.StatusView
	for {
		v, err := wt.Status(r.Context(), requestID)
		if err != nil {
			_ = write(conn, Frame{Type: "error", Error: err.Error()})
			closeWith(conn, gorillaws.CloseInternalServerErr, "status unavailable")
			return
		}
		if last == nil || *last != v {
			if err := write(conn, Frame{Type: "status", Status: &v}); err != nil {
				return
			}
			last = &v
		}
		if v.Terminal {
			closeWith(conn, gorillaws.CloseNormalClosure, v.Status.String())
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

func write(conn *gorillaws.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func closeWith(conn *gorillaws.Conn, code int, text string) {
	msg := gorillaws.FormatCloseMessage(code, text)
	_ = conn.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(writeWait))
}
