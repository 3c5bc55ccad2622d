package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"go.uber.org/zap"

	"github.com/durable-streams/engine/protocol"
)

// BuildRequest translates a net/http request into a protocol.ServerRequest.
// streamPath is the request's logical stream path (after any adapter-
// specific prefix stripping).
func BuildRequest(r *http.Request, streamPath string) protocol.ServerRequest {
	headers := protocol.Headers{}
	for k, vs := range r.Header {
		headers[k] = append([]string(nil), vs...)
	}

	return protocol.ServerRequest{
		Method:        r.Method,
		Path:          streamPath,
		Query:         r.URL.Query(),
		Headers:       headers,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          r.Host,
		TLS:           r.TLS != nil,
	}
}

// ParseQuery is a small helper for adapters that need to re-derive query
// values outside of a full *http.Request (e.g. tests).
func ParseQuery(raw string) (url.Values, error) {
	return url.ParseQuery(raw)
}

// RenderResponse writes a protocol.ServerResponse onto w. For an Sse
// body it drives the pull loop itself: flush headers immediately,
// request one frame at a time, flush after each, and stop when the
// stream ends, the request context is cancelled, or ctx.Done fires.
func RenderResponse(w http.ResponseWriter, r *http.Request, resp protocol.ServerResponse, logger *zap.Logger) {
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	switch resp.Body.Kind {
	case protocol.BodyEmpty:
		w.WriteHeader(resp.Status)

	case protocol.BodyBytes:
		w.WriteHeader(resp.Status)
		if len(resp.Body.Bytes) > 0 {
			w.Write(resp.Body.Bytes)
		}

	case protocol.BodyFileRegion:
		renderFileRegion(w, resp)

	case protocol.BodySSE:
		renderSSE(w, r, resp, logger)

	default:
		w.WriteHeader(resp.Status)
	}
}

// renderFileRegion transfers a file byte range. Go's standard library
// has no portable sendfile/splice primitive, so this falls back to a
// bounded io.CopyN from an *os.File region — the allowed fallback named
// in the protocol's zero-copy design note for platforms without such
// primitives.
func renderFileRegion(w http.ResponseWriter, resp protocol.ServerResponse) {
	f, err := os.Open(resp.Body.File.Path)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if _, err := f.Seek(resp.Body.File.Position, io.SeekStart); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(resp.Status)
	io.CopyN(w, f, resp.Body.File.Length)
}

func renderSSE(w http.ResponseWriter, r *http.Request, resp protocol.ServerResponse, logger *zap.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(resp.Status)
	flusher.Flush()

	stream := resp.Body.Stream
	defer stream.Close()

	ctx := r.Context()
	for {
		frame, ok, err := stream.Next(ctx)
		if err != nil {
			if logger != nil {
				logger.Debug("sse stream ended with error", zap.Error(err))
			}
			return
		}
		if !ok {
			return
		}
		writeSSEFrame(w, frame)
		flusher.Flush()
		if frame.Event == "closed" {
			return
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, frame protocol.SseFrame) {
	if frame.Comment != "" {
		fmt.Fprintf(w, ": %s\n\n", frame.Comment)
		return
	}
	if frame.Event != "" {
		fmt.Fprintf(w, "event: %s\n", frame.Event)
	}
	for _, line := range bytes.Split(frame.Data, []byte("\n")) {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	if frame.ID != "" {
		fmt.Fprintf(w, "id: %s\n", frame.ID)
	}
	fmt.Fprint(w, "\n")
}
