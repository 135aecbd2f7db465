package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"geostream/internal/config"
	"geostream/internal/gateway"
	"geostream/internal/geoindex"
	"geostream/internal/logging"
	"geostream/internal/pubsub"
	"geostream/internal/query"
	"geostream/internal/store"
	"geostream/internal/store/memory"
	mongostore "geostream/internal/store/mongo"
)

func main() {
	configPath := flag.String("config", "config/config.yml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Logging error: %v", err)
	}
	defer logging.Shutdown()

	slog.Info("starting geostream",
		"addr", cfg.Server.Addr,
		"backend", cfg.Store.Backend,
		"precision", cfg.Query.Precision,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ds, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("datastore init failed", "error", err)
		os.Exit(1)
	}
	index := geoindex.New(ds, cfg.Query)

	// Watch forwarders publish standing geofence events to NATS.
	var nc *nats.Conn
	pub := pubsub.Publisher(pubsub.NoopPublisher{})
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("geostream"))
		if err != nil {
			slog.Error("nats connect failed", "url", cfg.NATS.URL, "error", err)
			os.Exit(1)
		}
		pub, err = pubsub.NewNATSPublisher(nc, cfg.NATS.Stream)
		if err != nil {
			slog.Error("nats publisher init failed", "error", err)
			os.Exit(1)
		}
	}

	var watchQueries []*query.GeoQuery
	var forwarders []*pubsub.Forwarder
	for _, w := range cfg.Watches {
		q, err := index.Query(w.Criteria())
		if err != nil {
			slog.Error("watch query failed", "watch", w.Name, "error", err)
			os.Exit(1)
		}
		fwd, err := pubsub.Forward(q, pub, cfg.NATS.Stream, w.Name)
		if err != nil {
			slog.Error("watch forwarder failed", "watch", w.Name, "error", err)
			os.Exit(1)
		}
		watchQueries = append(watchQueries, q)
		forwarders = append(forwarders, fwd)
		slog.Info("watch started", "watch", w.Name, "radius_km", w.RadiusKm)
	}

	auth := gateway.NewAuthenticator(cfg.Server.AuthSecret)
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: gateway.NewServer(index, auth),
	}

	go func() {
		slog.Info("gateway listening", "addr", cfg.Server.Addr, "auth", auth.Enabled())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown forced", "error", err)
	}

	for _, fwd := range forwarders {
		fwd.Stop()
	}
	for _, q := range watchQueries {
		q.Cancel()
	}
	if err := ds.Close(shutdownCtx); err != nil {
		slog.Warn("datastore close failed", "error", err)
	}
	if nc != nil {
		nc.Close()
	}
	slog.Info("geostream stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Datastore, error) {
	switch cfg.Store.Backend {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return mongostore.New(connectCtx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database, cfg.Store.Mongo.Collection)
	default:
		return memory.New(), nil
	}
}
