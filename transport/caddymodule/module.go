// Package caddymodule adapts the Protocol Engine to Caddy's HTTP
// middleware contract: the handler builds a protocol.ServerRequest,
// calls Engine.Handle, and renders whatever ServerResponse comes back
// through transport.RenderResponse.
package caddymodule

import (
	"fmt"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/engine/cache"
	"github.com/durable-streams/engine/codec"
	"github.com/durable-streams/engine/dispatch"
	"github.com/durable-streams/engine/protocol"
	"github.com/durable-streams/engine/store"
	"github.com/durable-streams/engine/transport"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the Durable Streams Protocol as a Caddy HTTP
// handler module.
type Handler struct {
	// DataDir is the directory for storing stream data. If empty, uses
	// an in-memory store (suitable for development/testing).
	DataDir string `json:"data_dir,omitempty"`

	// MetadataBackend selects the embedded KV store backing the
	// file-backed stream store's metadata: "bbolt" (default) or "lmdb".
	MetadataBackend string `json:"metadata_backend,omitempty"`

	// MaxFileHandles is the maximum number of open segment file handles
	// to cache.
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// MaxWaiters is the soft cap on concurrent live-tail waiters.
	MaxWaiters int `json:"max_waiters,omitempty"`

	// MaxRecordSize rejects append bodies larger than this with 413.
	MaxRecordSize int `json:"max_record_size,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// CursorTTL is the lifetime of issued live-tail cursors.
	CursorTTL caddy.Duration `json:"cursor_ttl,omitempty"`

	st         store.Store
	logger     *zap.Logger
	engine     *protocol.Engine
	dispatcher *dispatch.Dispatcher
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler's store, dispatcher, and engine.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 1024
	}
	if h.MaxWaiters == 0 {
		h.MaxWaiters = dispatch.DefaultMaxWaiters
	}
	if h.MaxRecordSize == 0 {
		h.MaxRecordSize = protocol.DefaultConfig.MaxRecordSize
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(protocol.DefaultConfig.LongPollTimeoutDefault)
	}
	if h.CursorTTL == 0 {
		h.CursorTTL = caddy.Duration(store.DefaultCursorTTL)
	}

	if h.DataDir == "" {
		h.st = store.NewMemoryStore(codec.NewRegistry())
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		fileStore, err := store.NewFileStore(store.FileStoreConfig{
			DataDir:         h.DataDir,
			MaxFileHandles:  h.MaxFileHandles,
			MetadataBackend: h.MetadataBackend,
			CleanupInterval: time.Minute,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize file store: %w", err)
		}
		h.st = fileStore
		h.logger.Info("using file-backed store",
			zap.String("data_dir", h.DataDir),
			zap.String("metadata_backend", h.MetadataBackend))
	}

	h.dispatcher = dispatch.New(h.MaxWaiters)
	cursors := store.NewCursorPolicy(time.Duration(h.CursorTTL), nil)

	cfg := protocol.DefaultConfig
	cfg.LongPollTimeoutDefault = time.Duration(h.LongPollTimeout)
	cfg.MaxRecordSize = h.MaxRecordSize
	cfg.CachePolicy = cache.DefaultPolicy

	h.engine = protocol.NewEngine(h.st, h.dispatcher, cursors, nil, cfg, h.logger)

	return nil
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	if h.MetadataBackend != "" && h.MetadataBackend != "bbolt" && h.MetadataBackend != "lmdb" {
		return fmt.Errorf("metadata_backend must be \"bbolt\" or \"lmdb\", got %q", h.MetadataBackend)
	}
	return nil
}

// Cleanup releases resources held by the store.
func (h *Handler) Cleanup() error {
	if h.st != nil {
		return h.st.Close()
	}
	return nil
}

// ServeHTTP implements caddyhttp.MiddlewareHandler. It translates the
// incoming request into a protocol.ServerRequest, drives it through the
// engine, and renders whatever ServerResponse comes back.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Item-Content-Type, Stream-Ttl, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers", "X-Stream-Next-Offset, X-Stream-Cursor, ETag")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	req := transport.BuildRequest(r, r.URL.Path)
	resp := h.engine.Handle(r.Context(), req)
	transport.RenderResponse(w, r, resp, h.logger)
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams:
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    metadata_backend bbolt
//	    max_file_handles 1024
//	    max_waiters 10000
//	    max_record_size 1048576
//	    long_poll_timeout 30s
//	    cursor_ttl 10m
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "metadata_backend":
				if !d.Args(&h.MetadataBackend) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxFileHandles, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
			case "max_waiters":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxWaiters, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_waiters: %v", err)
				}
			case "max_record_size":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxRecordSize, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_record_size: %v", err)
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "cursor_ttl":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.CursorTTL = caddy.Duration(dur)
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
