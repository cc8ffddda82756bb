package websocket_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/admitq/internal/query"
	transportws "github.com/snehjoshi/admitq/internal/transport/websocket"
	"github.com/snehjoshi/admitq/internal/types"
)

func dial(t *testing.T, w *transportws.Watcher) *gorillaws.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.Serve(rw, r, "req-1")
	}))
	t.Cleanup(srv.Close)

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWatcher_SendsChangesUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	w := &transportws.Watcher{
		Interval: 5 * time.Millisecond,
		Status: func(context.Context, string) (query.StatusView, error) {
			// Two reads queued, then terminal.
			if calls.Add(1) <= 2 {
				return query.StatusView{RequestID: "req-1", Status: types.StatusQueued, UIResult: types.UIPending}, nil
			}
			return query.StatusView{RequestID: "req-1", Status: types.StatusSucceeded, UIResult: types.UISuccess, Terminal: true}, nil
		},
	}
	conn := dial(t, w)

	var frames []transportws.Frame
	for {
		var f transportws.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		frames = append(frames, f)
	}

	if len(frames) != 2 {
		t.Fatalf("want 2 frames (unchanged views skipped), got %d", len(frames))
	}
	if frames[0].Status.Status != types.StatusQueued || frames[1].Status.Status != types.StatusSucceeded {
		t.Errorf("frame order: %s then %s", frames[0].Status.Status, frames[1].Status.Status)
	}
}

func TestWatcher_StatusErrorSendsErrorFrame(t *testing.T) {
	w := &transportws.Watcher{
		Status: func(context.Context, string) (query.StatusView, error) {
			return query.StatusView{}, errors.New("store closed")
		},
	}
	conn := dial(t, w)

	var f transportws.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != "error" || f.Error != "store closed" {
		t.Fatalf("want error frame, got %+v", f)
	}
	_, _, err := conn.ReadMessage()
	if !gorillaws.IsCloseError(err, gorillaws.CloseInternalServerErr) {
		t.Fatalf("want internal-error close, got %v", err)
	}
}
