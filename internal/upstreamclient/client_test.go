package upstreamclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticPool struct {
	keys []string
	i    int
}

func (p *staticPool) NextKey() (string, error) {
	if len(p.keys) == 0 {
		return "", errors.New("empty pool")
	}
	k := p.keys[p.i%len(p.keys)]
	p.i++
	return k, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestForwardUnary(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	var gotPath string

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream-Custom", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer upstream.Close()

	c := New(&staticPool{keys: []string{"K1"}}, upstream.URL, "2023-06-01", discardLogger())

	rec := httptest.NewRecorder()
	body := []byte(`{"model":"x","stream":false}`)
	status, err := c.Forward(context.Background(), body, false, rec)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}

	if gotPath != "/v1/messages" {
		t.Fatalf("upstream path = %q", gotPath)
	}
	if got := string(gotBody); got != string(body) {
		t.Fatalf("upstream body = %q, want byte-identical pass-through", got)
	}
	if got := gotHeader.Get("x-api-key"); got != "K1" {
		t.Fatalf("x-api-key = %q", got)
	}
	if got := gotHeader.Get("anthropic-version"); got != "2023-06-01" {
		t.Fatalf("anthropic-version = %q", got)
	}
	if got := gotHeader.Get("Accept"); got != "application/json" {
		t.Fatalf("Accept = %q", got)
	}

	if got := rec.Body.String(); got != `{"id":"msg_1"}` {
		t.Fatalf("client body = %q", got)
	}
	if got := rec.Header().Get("X-Upstream-Custom"); got != "yes" {
		t.Fatalf("custom upstream header not relayed, got %q", got)
	}
}

func TestForwardRoundRobinAcrossCalls(t *testing.T) {
	var seen []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("x-api-key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	c := New(&staticPool{keys: []string{"A", "B", "C"}}, upstream.URL, "2023-06-01", discardLogger())
	for i := 0; i < 6; i++ {
		rec := httptest.NewRecorder()
		if _, err := c.Forward(context.Background(), []byte(`{}`), false, rec); err != nil {
			t.Fatalf("forward %d: %v", i, err)
		}
	}

	want := []string{"A", "B", "C", "A", "B", "C"}
	for i, w := range want {
		if seen[i] != w {
			t.Fatalf("dispatch %d used key %q, want %q (all: %v)", i, seen[i], w, seen)
		}
	}
}

func TestForwardStreaming(t *testing.T) {
	events := []string{
		"event: message_start\ndata: {\"a\":1}\n\n",
		"event: content_block_delta\ndata: {\"b\":2}\n\n",
		"event: message_stop\ndata: {}\n\n",
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("upstream Accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			w.Write([]byte(ev))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	c := New(&staticPool{keys: []string{"K1"}}, upstream.URL, "2023-06-01", discardLogger())

	rec := httptest.NewRecorder()
	status, err := c.Forward(context.Background(), []byte(`{"stream":true}`), true, rec)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}

	for name, want := range map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"X-Accel-Buffering": "no",
	} {
		if got := rec.Header().Get(name); got != want {
			t.Errorf("header %s = %q, want %q", name, got, want)
		}
	}

	var all string
	for _, ev := range events {
		all += ev
	}
	if got := rec.Body.String(); got != all {
		t.Fatalf("relayed stream = %q, want %q", got, all)
	}
	if !rec.Flushed {
		t.Fatal("response was never flushed")
	}
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Keep-Alive", "timeout=5")
		h.Set("Proxy-Authenticate", "Basic")
		h.Set("Upgrade", "h2c")
		h.Set("Trailer", "X-Checksum")
		h.Set("X-Named-By-Connection", "drop-me")
		h.Set("Connection", "X-Named-By-Connection")
		h.Set("X-Keep", "yes")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	c := New(&staticPool{keys: []string{"K1"}}, upstream.URL, "2023-06-01", discardLogger())
	rec := httptest.NewRecorder()
	if _, err := c.Forward(context.Background(), []byte(`{}`), false, rec); err != nil {
		t.Fatalf("forward: %v", err)
	}

	for _, name := range []string{
		"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade", "X-Named-By-Connection",
	} {
		if got := rec.Header().Get(name); got != "" {
			t.Errorf("hop-by-hop header %s leaked: %q", name, got)
		}
	}
	if got := rec.Header().Get("X-Keep"); got != "yes" {
		t.Errorf("end-to-end header dropped, X-Keep = %q", got)
	}
}

func TestForwardPassesThroughUpstreamErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error"}}`))
	}))
	defer upstream.Close()

	c := New(&staticPool{keys: []string{"K1"}}, upstream.URL, "2023-06-01", discardLogger())
	rec := httptest.NewRecorder()
	status, err := c.Forward(context.Background(), []byte(`{}`), false, rec)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 passed through", status)
	}
	if got := rec.Body.String(); got != `{"type":"error","error":{"type":"rate_limit_error"}}` {
		t.Fatalf("error body altered: %q", got)
	}
}

func TestForwardTransportFailure(t *testing.T) {
	// Point at a closed server.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	c := New(&staticPool{keys: []string{"K1"}}, upstream.URL, "2023-06-01", discardLogger())
	rec := httptest.NewRecorder()
	status, err := c.Forward(context.Background(), []byte(`{}`), false, rec)
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("err = %v, want ErrUpstreamUnreachable", err)
	}
	if status != 0 {
		t.Fatalf("status = %d, want 0 (nothing written)", status)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body written on transport failure: %q", rec.Body.String())
	}
}

func TestForwardEmptyPool(t *testing.T) {
	c := New(&staticPool{}, "http://127.0.0.1:0", "2023-06-01", discardLogger())
	rec := httptest.NewRecorder()
	if _, err := c.Forward(context.Background(), []byte(`{}`), false, rec); err == nil {
		t.Fatal("expected error when pool yields no key")
	}
}
