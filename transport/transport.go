// Package transport defines the narrow interface a host exposes to the
// Protocol Engine: supply a ServerRequest, consume a ServerResponse. The
// engine performs no I/O of its own; every concrete adapter (Caddy
// module, plain net/http) lives in its own subpackage and implements
// this contract by translating its host's native request/response types
// to and from protocol.ServerRequest/ServerResponse.
package transport

import (
	"context"

	"github.com/durable-streams/engine/protocol"
)

// Adapter is the interface a transport host implements to drive the
// engine. Serve is expected to build a protocol.ServerRequest from the
// host's native request, call Engine.Handle, and render the returned
// ServerResponse back onto the host's native response — including, for
// an Sse body, flushing after every frame and observing client
// disconnect as the iteration's cancellation signal.
type Adapter interface {
	Serve(ctx context.Context, req protocol.ServerRequest) (protocol.ServerResponse, error)
}

// EngineAdapter is the trivial Adapter that simply calls through to an
// Engine. Concrete host bindings (caddymodule, net/http) typically embed
// or wrap this rather than reimplementing the call.
type EngineAdapter struct {
	Engine *protocol.Engine
}

// Serve implements Adapter.
func (a EngineAdapter) Serve(ctx context.Context, req protocol.ServerRequest) (protocol.ServerResponse, error) {
	return a.Engine.Handle(ctx, req), nil
}
