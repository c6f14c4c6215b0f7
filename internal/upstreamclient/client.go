// Package upstreamclient dispatches requests to the provider API with the
// gateway's own credentials and relays the response to the client unaltered,
// streaming or unary.
package upstreamclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelhq/anthrogate/internal/telemetry"
)

const messagesPath = "/v1/messages"

// relayChunkSize bounds the copy buffer so forwarding never allocates
// proportional to response size.
const relayChunkSize = 32 * 1024

// hopByHopHeaders are never forwarded by a proxy. Canonical-case keys;
// lookups go through http.CanonicalHeaderKey.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// ErrUpstreamUnreachable wraps transport-level failures before any response
// was received; the handler maps it to 502.
var ErrUpstreamUnreachable = errors.New("upstreamclient: upstream unreachable")

// keySource yields the upstream credential for the next dispatch.
type keySource interface {
	NextKey() (string, error)
}

// Client issues single POSTs to the upstream messages endpoint.
type Client struct {
	httpClient       *http.Client
	pool             keySource
	messagesURL      string
	anthropicVersion string
	logger           *slog.Logger
}

// New creates a Client. Keep-alives are disabled: the gateway holds
// long-lived, intermittently idle connections to the upstream, and a fresh
// connection per request is the conservative default for that profile.
func New(pool keySource, baseURL, anthropicVersion string, logger *slog.Logger) *Client {
	transport := &http.Transport{
		DisableKeepAlives: true,
		// No transparent gzip: the response must relay byte-for-byte.
		DisableCompression:    true,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			// No client-level timeout: streaming responses are bounded by
			// the request context instead.
		},
		pool:             pool,
		messagesURL:      strings.TrimSuffix(baseURL, "/") + messagesPath,
		anthropicVersion: anthropicVersion,
		logger:           logger,
	}
}

// Forward sends body upstream byte-for-byte and relays the response into w.
// It returns the status written to the client. After response headers have
// been sent, any I/O error aborts the response without writing further
// bytes; the returned error reports what happened for logging only.
func (c *Client) Forward(ctx context.Context, body []byte, stream bool, w http.ResponseWriter) (int, error) {
	key, err := c.pool.NextKey()
	if err != nil {
		return 0, fmt.Errorf("selecting upstream credential: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", c.anthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.UpstreamRequestsTotal.WithLabelValues(streamLabel(stream), "transport_error").Inc()
		return 0, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	if stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		// Length is unknown once chunks are re-flushed individually.
		w.Header().Del("Content-Length")
	}
	w.WriteHeader(resp.StatusCode)

	var relayErr error
	if stream {
		relayErr = c.relayStream(w, resp.Body)
	} else {
		_, relayErr = io.CopyBuffer(w, resp.Body, make([]byte, relayChunkSize))
	}

	if relayErr != nil {
		telemetry.UpstreamRequestsTotal.WithLabelValues(streamLabel(stream), "relay_error").Inc()
		return resp.StatusCode, fmt.Errorf("relaying upstream response: %w", relayErr)
	}
	telemetry.UpstreamRequestsTotal.WithLabelValues(streamLabel(stream), "ok").Inc()
	return resp.StatusCode, nil
}

// relayStream copies SSE chunks to the client, flushing after every read so
// nothing aggregates beyond one chunk. An upstream EOF ends the stream
// cleanly; a client write error aborts it.
func (c *Client) relayStream(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, relayChunkSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("writing to client: %w", writeErr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading from upstream: %w", readErr)
		}
	}
}

// copyResponseHeaders copies upstream headers excluding the hop-by-hop set
// and anything the upstream's own Connection header names.
func copyResponseHeaders(dst, src http.Header) {
	dropped := make(map[string]struct{}, len(hopByHopHeaders))
	for name := range hopByHopHeaders {
		dropped[name] = struct{}{}
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				dropped[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}

	for name, values := range src {
		if _, drop := dropped[http.CanonicalHeaderKey(name)]; drop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func streamLabel(stream bool) string {
	if stream {
		return "true"
	}
	return "false"
}
