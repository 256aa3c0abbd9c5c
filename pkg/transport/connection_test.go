package transport_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/emrefkucuk/transcrypt/pkg/transport"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// newConnPair upgrades a real WebSocket through httptest and returns the
// server-side Connection (already running) plus the client socket.
func newConnPair(t *testing.T, wg *sync.WaitGroup) (*transport.Connection, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *transport.Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		conn := transport.NewConnection(
			r.Context(), wg, ws,
			transport.ConnectionConfig{ReadTimeout: time.Minute},
			nil, nil, newTestLogger(),
		)
		conn.Run()
		connCh <- conn
		<-conn.Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "") })

	select {
	case conn := <-connCh:
		return conn, client
	case <-ctx.Done():
		t.Fatal("server connection was never established")
		return nil, nil
	}
}

// drainClient reads and discards inbound frames until the socket errors.
func drainClient(client *websocket.Conn) {
	ctx := context.Background()
	for {
		_, r, err := client.Reader(ctx)
		if err != nil {
			return
		}
		io.Copy(io.Discard, r)
	}
}

func TestConcurrentSendDuringClose(t *testing.T) {
	var wg sync.WaitGroup
	conn, client := newConnPair(t, &wg)
	go drainClient(client)

	// Hammer Send from several goroutines while Close races them. A broadcast
	// fan-out hitting a disconnecting peer must drop frames, never panic.
	var senders sync.WaitGroup
	for g := 0; g < 8; g++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for i := 0; i < 500; i++ {
				conn.Send([]byte(`{"type":"room_status"}`))
				conn.SendBinary([]byte{0x01, 0x02})
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	conn.Close(errors.New("peer disconnected"))

	senders.Wait()
	wg.Wait()
	<-conn.Done()
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	var wg sync.WaitGroup
	conn, client := newConnPair(t, &wg)
	go drainClient(client)

	conn.Close(nil)
	<-conn.Done()

	// Late sends are silently discarded.
	conn.Send([]byte(`{"type":"room_status"}`))
	conn.SendBinary([]byte{0x01})
	wg.Wait()
}

func TestCloseIsIdempotent(t *testing.T) {
	var wg sync.WaitGroup
	conn, client := newConnPair(t, &wg)
	go drainClient(client)

	for i := 0; i < 3; i++ {
		conn.Close(nil)
	}
	<-conn.Done()
	wg.Wait()
}
