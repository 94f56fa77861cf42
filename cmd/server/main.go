package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/nsidwatch/pkg/aggregate"
	"github.com/nicktill/nsidwatch/pkg/api"
	"github.com/nicktill/nsidwatch/pkg/config"
	"github.com/nicktill/nsidwatch/pkg/fanout"
	"github.com/nicktill/nsidwatch/pkg/jetstream"
	"github.com/nicktill/nsidwatch/pkg/rate"
	badgerstore "github.com/nicktill/nsidwatch/pkg/store/badger"
)

func main() {
	log.Println("Starting nsidwatch server...")

	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	log.Printf("Data directory: %s", cfg.DataDir)

	st, err := badgerstore.New(badgerstore.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	if err != nil {
		log.Fatalf("Failed to initialize counter store: %v", err)
	}
	defer st.Close()
	log.Println("BadgerDB counter store initialized")

	tracker := rate.New(config.RateWindow)
	hub := fanout.New()

	agg, err := aggregate.New(context.Background(), st, tracker, hub, aggregate.Config{
		DeltaFlushInterval: config.DeltaFlushInterval,
		HitBatchSize:       config.HitBatchSize,
		HitFlushInterval:   config.HitFlushInterval,
		MaxWriteFailures:   config.MaxWriteFailures,
	})
	if err != nil {
		log.Fatalf("Failed to initialize aggregator: %v", err)
	}
	log.Println("Aggregator initialized from persisted counters")

	consumer := jetstream.NewConsumer(jetstream.Config{
		URL:         cfg.JetstreamURL,
		Buffer:      config.ConsumerBuffer,
		BaseBackoff: config.ConsumerBaseBackoff,
		MaxBackoff:  config.ConsumerMaxBackoff,
	})

	handler := api.NewHandler(agg, hub)
	handler.SetUpstreamState(func() string { return consumer.State().String() })
	handler.SetStats(st)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	// Background tasks. Each has its own stop signal so shutdown can
	// happen in pipeline order: ingestion first, then the aggregator
	// flush, then the subscriber connections.
	g := new(errgroup.Group)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	g.Go(func() error {
		hub.Run(hubCtx)
		return nil
	})
	log.Println("Fanout hub started")

	aggDone := make(chan struct{})
	g.Go(func() error {
		defer close(aggDone)
		// The aggregator exits when the consumer closes its event
		// channel, flushing buffered hits and the final delta.
		agg.Run(context.Background(), consumer.Events())
		return nil
	})

	gcCtx, stopGC := context.WithCancel(context.Background())
	defer stopGC()
	g.Go(func() error {
		runBadgerGC(gcCtx, st)
		return nil
	})

	consumer.Start(context.Background())
	log.Printf("Firehose consumer started for %s", cfg.JetstreamURL)

	go func() {
		log.Printf("Serving on http://localhost:%s", cfg.Port)
		log.Println("  GET /events         - counter snapshot")
		log.Println("  GET /since          - tracking epoch")
		log.Println("  GET /stream_events  - live delta stream (websocket)")
		log.Println("  GET /metrics        - Prometheus endpoint")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("Shutdown signal received...")

	// 1. Stop the ingestion isolate. Bounded: a wedged consumer is
	// abandoned rather than holding up the rest of the shutdown.
	if err := consumer.Stop(config.ConsumerStopGrace); err != nil {
		log.Printf("Consumer stop: %v", err)
	}

	// 2. The closed event channel lets the aggregator drain and flush
	// buffered writes.
	select {
	case <-aggDone:
		log.Println("Aggregator drained and flushed")
	case <-time.After(config.ShutdownTimeout):
		log.Println("Aggregator did not finish in time")
	}

	// 3. Close subscriber connections and stop maintenance.
	stopHub()
	stopGC()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("nsidwatch exited cleanly")
}

// runBadgerGC periodically reclaims value log space. BadgerDB accumulates
// dead data in its value log until GC rewrites the files.
func runBadgerGC(ctx context.Context, st *badgerstore.Storage) {
	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := st.RunGC(config.BadgerGCDiscardRatio)
			switch {
			case err == nil:
				log.Printf("Badger GC completed in %v (disk space reclaimed)", time.Since(start).Round(time.Millisecond))
			case errors.Is(err, badgerdb.ErrNoRewrite):
				// Nothing worth rewriting this cycle.
			default:
				log.Printf("Badger GC failed: %v", err)
			}
		}
	}
}
