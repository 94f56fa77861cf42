package jetstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// firehoseServer serves a websocket endpoint that replays the given frames
// and then closes the connection.
func firehoseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_NextFiltersAndDecodes(t *testing.T) {
	server := firehoseServer(t, []string{
		`{"kind":"identity","time_us":1,"identity":{}}`,
		`this is not json`,
		`{"kind":"commit","time_us":100,"commit":{"operation":"create","collection":"app.bsky.feed.post"}}`,
		`{"kind":"commit","time_us":150,"commit":{"operation":"delete","collection":"app.bsky.feed.post"}}`,
	})
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, wsURL(server))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	// Identity frame and garbage frame are skipped, the stream continues.
	ev, err := client.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.Collection != "app.bsky.feed.post" || ev.TimeUS != 100 || ev.Deleted {
		t.Errorf("Unexpected first event: %+v", ev)
	}

	ev, err = client.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !ev.Deleted || ev.TimeUS != 150 {
		t.Errorf("Unexpected second event: %+v", ev)
	}

	// Server closed the connection: the stream terminates with an error.
	if _, err = client.Next(); err == nil {
		t.Error("Expected error after server close")
	}
}

func TestClient_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Dial(ctx, "ws://127.0.0.1:1/subscribe"); err == nil {
		t.Error("Expected dial error for unreachable endpoint")
	}
}
