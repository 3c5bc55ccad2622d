// Command durable-streamsd runs the Protocol Engine directly on top of
// net/http, without Caddy. It exists for hosts that want the durable
// streams server as a single static binary rather than a Caddy module.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/engine/cache"
	"github.com/durable-streams/engine/codec"
	"github.com/durable-streams/engine/dispatch"
	"github.com/durable-streams/engine/protocol"
	"github.com/durable-streams/engine/store"
	"github.com/durable-streams/engine/transport"
)

func main() {
	addr := flag.String("addr", ":4437", "listen address")
	dataDir := flag.String("data-dir", "", "directory for durable stream storage (empty uses an in-memory store)")
	metadataBackend := flag.String("metadata-backend", "bbolt", "metadata backend for the file store: bbolt or lmdb")
	maxFileHandles := flag.Int("max-file-handles", 1024, "max open segment file handles to cache")
	maxWaiters := flag.Int("max-waiters", dispatch.DefaultMaxWaiters, "soft cap on concurrent live-tail waiters")
	maxRecordSize := flag.Int("max-record-size", protocol.DefaultConfig.MaxRecordSize, "max accepted append body size in bytes")
	longPollTimeout := flag.Duration("long-poll-timeout", protocol.DefaultConfig.LongPollTimeoutDefault, "default long-poll timeout")
	cursorTTL := flag.Duration("cursor-ttl", store.DefaultCursorTTL, "lifetime of issued live-tail cursors")
	devMode := flag.Bool("dev", false, "use a development logger instead of a production one")
	flag.Parse()

	logger, err := newLogger(*devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	st, err := buildStore(*dataDir, *metadataBackend, *maxFileHandles, logger)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	d := dispatch.New(*maxWaiters)
	cursors := store.NewCursorPolicy(*cursorTTL, nil)

	cfg := protocol.DefaultConfig
	cfg.LongPollTimeoutDefault = *longPollTimeout
	cfg.MaxRecordSize = *maxRecordSize
	cfg.CachePolicy = cache.DefaultPolicy

	engine := protocol.NewEngine(st, d, cursors, codec.NewRegistry(), cfg, logger)
	adapter := transport.EngineAdapter{Engine: engine}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		req := transport.BuildRequest(r, r.URL.Path)
		resp, err := adapter.Serve(r.Context(), req)
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		transport.RenderResponse(w, r, resp, logger)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("durable-streamsd listening", zap.String("addr", *addr), zap.Bool("in_memory", *dataDir == ""))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildStore(dataDir, metadataBackend string, maxFileHandles int, logger *zap.Logger) (store.Store, error) {
	if dataDir == "" {
		logger.Info("using in-memory store (no data dir configured)")
		return store.NewMemoryStore(codec.NewRegistry()), nil
	}
	fs, err := store.NewFileStore(store.FileStoreConfig{
		DataDir:         dataDir,
		MaxFileHandles:  maxFileHandles,
		MetadataBackend: metadataBackend,
		CleanupInterval: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize file store: %w", err)
	}
	logger.Info("using file-backed store", zap.String("data_dir", dataDir), zap.String("metadata_backend", metadataBackend))
	return fs, nil
}
