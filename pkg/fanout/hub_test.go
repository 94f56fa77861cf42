package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/nsidwatch/pkg/sdk/counts"
)

// newHubServer runs a hub and an httptest endpoint that registers every
// incoming websocket connection with it.
func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	hub := New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(conn)
	}))
	t.Cleanup(server.Close)

	return hub, server
}

func dialHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d clients, have %d", want, hub.ClientCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func readBatch(t *testing.T, conn *websocket.Conn) counts.Batch {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var batch counts.Batch
	require.NoError(t, json.Unmarshal(data, &batch))
	return batch
}

func TestHub_BroadcastReachesAllSubscribers(t *testing.T) {
	hub, server := newHubServer(t)

	first := dialHub(t, server)
	second := dialHub(t, server)
	waitForClients(t, hub, 2)

	sent := counts.Batch{
		PerSecond: 42.5,
		Events: map[string]counts.Counts{
			"app.bsky.feed.post": {Count: 2, DeletedCount: 1, LastSeen: 200},
		},
	}
	require.NoError(t, hub.Broadcast(sent))

	for _, conn := range []*websocket.Conn{first, second} {
		got := readBatch(t, conn)
		require.Equal(t, sent.PerSecond, got.PerSecond)
		require.Equal(t, sent.Events, got.Events)
	}
}

func TestHub_LateSubscriberSeesOnlyFutureBatches(t *testing.T) {
	hub, server := newHubServer(t)

	first := dialHub(t, server)
	waitForClients(t, hub, 1)

	earlier := counts.Batch{Events: map[string]counts.Counts{"app.bsky.feed.like": {Count: 3}}}
	require.NoError(t, hub.Broadcast(earlier))
	readBatch(t, first) // consume so ordering is settled before the late join

	late := dialHub(t, server)
	waitForClients(t, hub, 2)

	later := counts.Batch{Events: map[string]counts.Counts{"app.bsky.feed.post": {Count: 1}}}
	require.NoError(t, hub.Broadcast(later))

	// The late subscriber's first message is the post-connect batch; there
	// is no replay of earlier state.
	got := readBatch(t, late)
	require.Equal(t, later.Events, got.Events)
}

func TestHub_FailedSubscriberIsDroppedOthersSurvive(t *testing.T) {
	hub, server := newHubServer(t)

	healthy := dialHub(t, server)
	doomed := dialHub(t, server)
	waitForClients(t, hub, 2)

	doomed.Close()

	// Writes to the closed connection fail and unregister it; the healthy
	// subscriber keeps receiving. More than one broadcast may be needed
	// before the dead TCP connection reports the failure.
	batch := counts.Batch{Events: map[string]counts.Counts{"app.bsky.feed.post": {Count: 1}}}
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Dead subscriber never dropped, have %d clients", hub.ClientCount())
		}
		require.NoError(t, hub.Broadcast(batch))
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, hub.Broadcast(batch))
	got := readBatch(t, healthy)
	require.Equal(t, batch.Events, got.Events)
}

// newCapturingHubServer is like newHubServer but also hands the test the
// server side of each connection, so tests can fail subscribers on demand.
func newCapturingHubServer(t *testing.T, hub *Hub) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()

	serverConns := make(chan *websocket.Conn, 32)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
		hub.Register(conn)
	}))
	t.Cleanup(server.Close)
	return server, serverConns
}

func TestHub_MassFailureDropsAllWithoutWedging(t *testing.T) {
	hub := New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server, serverConns := newCapturingHubServer(t, hub)

	healthy := dialHub(t, server)
	<-serverConns

	// More failures in one broadcast pass than the unregister channel can
	// hold. The whole group must be dropped in that pass and the loop must
	// keep serving the survivor.
	doomed := make([]*websocket.Conn, 0, 15)
	for i := 0; i < 15; i++ {
		dialHub(t, server)
		doomed = append(doomed, <-serverConns)
	}
	waitForClients(t, hub, 16)

	for _, conn := range doomed {
		conn.Close() // server side: every hub write now fails immediately
	}

	batch := counts.Batch{Events: map[string]counts.Counts{"app.bsky.feed.post": {Count: 1}}}
	require.NoError(t, hub.Broadcast(batch))
	waitForClients(t, hub, 1)

	require.NoError(t, hub.Broadcast(batch))
	got := readBatch(t, healthy)
	require.Equal(t, batch.Events, got.Events)
}

func TestHub_SlowSubscriberDoesNotStallOthers(t *testing.T) {
	hub := New()
	hub.writeDeadline = 200 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server, serverConns := newCapturingHubServer(t, hub)

	healthy := dialHub(t, server)
	<-serverConns
	dialHub(t, server) // the stalled subscriber: connected, never reads
	<-serverConns
	waitForClients(t, hub, 2)

	// Large batches fill the stalled subscriber's socket buffers until a
	// write misses the deadline and it is dropped; the healthy subscriber
	// must keep receiving throughout, delayed at most one write deadline
	// per pass.
	batch := counts.Batch{Events: map[string]counts.Counts{
		strings.Repeat("x", 1<<16): {Count: 1},
	}}

	deadline := time.Now().Add(30 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Stalled subscriber never dropped, have %d clients", hub.ClientCount())
		}
		require.NoError(t, hub.Broadcast(batch))
		got := readBatch(t, healthy)
		require.Equal(t, batch.Events, got.Events)
	}

	require.NoError(t, hub.Broadcast(batch))
	got := readBatch(t, healthy)
	require.Equal(t, batch.Events, got.Events)
}

func TestHub_SendsKeepalivePings(t *testing.T) {
	hub := New()
	hub.pingInterval = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server, serverConns := newCapturingHubServer(t, hub)
	conn := dialHub(t, server)
	<-serverConns
	waitForClients(t, hub, 1)

	gotPing := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case gotPing <- struct{}{}:
		default:
		}
		return nil
	})

	// Control frames are only processed while a read is in flight.
	go func() {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-gotPing:
	case <-time.After(2 * time.Second):
		t.Fatal("No keepalive ping within the interval")
	}
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	// No Run loop draining the queue: once it fills, batches must be
	// dropped, not block the caller.
	hub := New()
	batch := counts.Batch{Events: map[string]counts.Counts{"app.bsky.feed.post": {Count: 1}}}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Broadcast(batch)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}
}

func TestHub_ShutdownClosesSubscribers(t *testing.T) {
	hub := New()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(conn)
	}))
	defer server.Close()

	conn := dialHub(t, server)
	waitForClients(t, hub, 1)

	cancel()

	// The server closes the connection; the client read fails.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
