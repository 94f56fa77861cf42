// Package api serves the snapshot endpoints and the live delta stream.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/nsidwatch/pkg/config"
	"github.com/nicktill/nsidwatch/pkg/fanout"
	"github.com/nicktill/nsidwatch/pkg/httpx"
	"github.com/nicktill/nsidwatch/pkg/sdk/counts"
	"github.com/nicktill/nsidwatch/pkg/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (non-browser clients)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

var startTime = time.Now()

// Source provides read access to the aggregated counter state.
type Source interface {
	Snapshot() counts.Batch
	TrackingSince() int64
}

// StatsProvider reports storage statistics for health output.
type StatsProvider interface {
	Stats(ctx context.Context) (*store.Stats, error)
}

// Handler serves the counter API.
type Handler struct {
	source Source
	hub    *fanout.Hub

	// upstreamState reports the firehose connection state for health
	// output. Optional.
	upstreamState func() string

	// stats exposes storage statistics on the health endpoint. Optional.
	stats StatsProvider
}

// NewHandler creates an API handler.
func NewHandler(source Source, hub *fanout.Hub) *Handler {
	return &Handler{source: source, hub: hub}
}

// SetUpstreamState wires in a firehose connection-state reporter.
func (h *Handler) SetUpstreamState(fn func() string) {
	h.upstreamState = fn
}

// SetStats wires in a storage statistics provider.
func (h *Handler) SetStats(p StatsProvider) {
	h.stats = p
}

// HandleEvents returns the full counter snapshot.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.source.Snapshot())
}

type sinceResponse struct {
	Since int64 `json:"since"`
}

// HandleSince returns the timestamp at which tracking began.
func (h *Handler) HandleSince(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, sinceResponse{Since: h.source.TrackingSince()})
}

// HandleHealth returns service health status. A storage backend that
// cannot report its stats makes the service unhealthy.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":      "healthy",
		"uptime":      time.Since(startTime).String(),
		"subscribers": h.hub.ClientCount(),
	}
	if h.upstreamState != nil {
		health["upstream"] = h.upstreamState()
	}
	if h.stats != nil {
		stats, err := h.stats.Stats(r.Context())
		if err != nil {
			log.Printf("Storage stats failed: %v", err)
			httpx.RespondError(w, http.StatusServiceUnavailable, err)
			return
		}
		health["collections"] = stats.Collections
		health["storage_bytes"] = stats.SizeBytes
	}
	httpx.RespondJSON(w, http.StatusOK, health)
}

// HandleStream upgrades the request to a websocket and subscribes it to
// the live delta stream. The client gets deltas from this point on; for
// state accumulated before connecting it must call /events.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Stream upgrade failed: %v", err)
		return
	}

	h.hub.Register(conn)
	defer h.hub.Unregister(conn)

	// The hub owns all writes to this connection, keepalive pings
	// included. The read loop below exists to notice the peer going away
	// and to service pongs.

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Stream subscriber read error: %v", err)
			}
			return
		}
	}
}

// NewRouter builds the HTTP router.
func NewRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()

	// CORS middleware for dashboard access
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	router.HandleFunc("/events", h.HandleEvents).Methods("GET")
	router.HandleFunc("/since", h.HandleSince).Methods("GET")
	router.HandleFunc("/stream_events", h.HandleStream).Methods("GET")
	router.HandleFunc("/healthz", h.HandleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondErrorString(w, http.StatusNotFound, "unknown route: "+r.URL.Path)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, r.Method+" is not supported on "+r.URL.Path)
	})

	return router
}
