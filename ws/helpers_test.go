package ws

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const baseTimeout = time.Second * 5

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func getWSURLFromHTTPURL(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

// fastBackoff collapses the reconnect schedule so retry tests finish
// quickly.
func fastBackoff(int) time.Duration {
	return time.Millisecond
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// wsFixture runs an httptest websocket endpoint and counts dial attempts.
type wsFixture struct {
	server *httptest.Server
	dials  atomic.Int64
}

func newWSFixture(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) *wsFixture {
	t.Helper()
	f := &wsFixture{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.dials.Add(1)
		if handle == nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(conn, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *wsFixture) wsURL() string {
	return getWSURLFromHTTPURL(f.server.URL)
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// waitOrTimeout waits for fn to finish or times out.
func waitOrTimeout(timeout time.Duration, fn func()) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
