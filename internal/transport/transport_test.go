package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"httpcache-invalidator/internal/config"
	"httpcache-invalidator/internal/metrics"
	"httpcache-invalidator/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorded is what a test proxy saw for one request.
type recorded struct {
	method string
	host   string
	uri    string
	header http.Header
}

// recordingProxy is an httptest server that records every request and replies with status.
type recordingProxy struct {
	*httptest.Server
	mu   sync.Mutex
	seen []recorded
}

func newRecordingProxy(t *testing.T, status int) *recordingProxy {
	t.Helper()
	p := &recordingProxy{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.seen = append(p.seen, recorded{
			method: r.Method,
			host:   r.Host,
			uri:    r.RequestURI,
			header: r.Header.Clone(),
		})
		p.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *recordingProxy) addr() string {
	return p.Listener.Addr().String()
}

func (p *recordingProxy) requests() []recorded {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recorded(nil), p.seen...)
}

func testConfig() *config.Config {
	return &config.Config{
		Transport: config.TransportConfig{
			TimeoutSeconds:  5,
			IdleConnections: 10,
			Concurrency:     4,
		},
	}
}

func TestHTTPTransport_SendRequests(t *testing.T) {
	p1 := newRecordingProxy(t, http.StatusOK)
	p2 := newRecordingProxy(t, http.StatusNoContent)

	headers := model.NewHeaders("X-Cache-Tags", "(^|,)(a)(,|$)")
	batch := []model.InvalidationRequest{
		model.NewInvalidationRequest("PURGE", "http://example.com/foo?page=2", p1.addr(), headers),
		model.NewInvalidationRequest("PURGE", "http://example.com/foo?page=2", p2.addr(), headers),
	}

	tr := NewHTTPTransport(testConfig(), testLogger(), nil)
	if err := tr.SendRequests(context.Background(), batch); err != nil {
		t.Fatalf("SendRequests() error = %v", err)
	}

	for _, p := range []*recordingProxy{p1, p2} {
		reqs := p.requests()
		if len(reqs) != 1 {
			t.Fatalf("proxy %s saw %d requests, want 1", p.addr(), len(reqs))
		}
		got := reqs[0]
		if got.method != "PURGE" {
			t.Errorf("method = %q, want PURGE", got.method)
		}
		if got.host != "example.com" {
			t.Errorf("Host = %q, want %q", got.host, "example.com")
		}
		if got.uri != "/foo?page=2" {
			t.Errorf("RequestURI = %q, want %q", got.uri, "/foo?page=2")
		}
		if v := got.header.Get("X-Cache-Tags"); v != "(^|,)(a)(,|$)" {
			t.Errorf("X-Cache-Tags = %q, want %q", v, "(^|,)(a)(,|$)")
		}
	}
}

func TestHTTPTransport_HostHeaderOverride(t *testing.T) {
	p := newRecordingProxy(t, http.StatusOK)
	batch := []model.InvalidationRequest{
		model.NewInvalidationRequest("BAN", "http://example.com", p.addr(), model.NewHeaders("Host", "cdn.example.com")),
	}

	tr := NewHTTPTransport(testConfig(), testLogger(), nil)
	if err := tr.SendRequests(context.Background(), batch); err != nil {
		t.Fatalf("SendRequests() error = %v", err)
	}

	got := p.requests()[0]
	if got.host != "cdn.example.com" {
		t.Errorf("Host = %q, want %q", got.host, "cdn.example.com")
	}
	if got.uri != "/" {
		t.Errorf("RequestURI = %q, want %q", got.uri, "/")
	}
}

func TestHTTPTransport_PartialFailure(t *testing.T) {
	ok := newRecordingProxy(t, http.StatusOK)
	bad := newRecordingProxy(t, http.StatusInternalServerError)
	m := metrics.New()

	batch := []model.InvalidationRequest{
		model.NewInvalidationRequest("PURGE", "http://example.com/a", ok.addr(), model.Headers{}),
		model.NewInvalidationRequest("PURGE", "http://example.com/a", bad.addr(), model.Headers{}),
		model.NewInvalidationRequest("PURGE", "http://example.com/b", ok.addr(), model.Headers{}),
		model.NewInvalidationRequest("PURGE", "http://example.com/b", bad.addr(), model.Headers{}),
	}

	tr := NewHTTPTransport(testConfig(), testLogger(), m)
	err := tr.SendRequests(context.Background(), batch)

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("SendRequests() error = %v, want *TransportError", err)
	}
	if te.Total != 4 || len(te.Failures) != 2 {
		t.Fatalf("Total=%d Failures=%d, want 4 and 2", te.Total, len(te.Failures))
	}
	if te.Failures[0].Request.URL() != "http://example.com/a" || te.Failures[1].Request.URL() != "http://example.com/b" {
		t.Errorf("failures not in batch order: %v", te)
	}
	for _, f := range te.Failures {
		if f.Request.Server() != bad.addr() {
			t.Errorf("failure server = %q, want %q", f.Request.Server(), bad.addr())
		}
	}

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Errorf("errors.As(*StatusError) = %v, want code 500", se)
	}
	if !strings.Contains(err.Error(), "2 of 4") || !strings.Contains(err.Error(), bad.addr()) {
		t.Errorf("Error() = %q, want count and failing server", err.Error())
	}

	// Every request was attempted despite the failures.
	if n := len(ok.requests()) + len(bad.requests()); n != 4 {
		t.Errorf("proxies saw %d requests, want 4", n)
	}

	families, gerr := m.Registry.Gather()
	if gerr != nil {
		t.Fatalf("Gather() error = %v", gerr)
	}
	var failures float64
	for _, f := range families {
		if f.GetName() == "httpcache_invalidator_upstream_failures_total" {
			for _, metric := range f.GetMetric() {
				failures += metric.GetCounter().GetValue()
			}
		}
	}
	if failures != 2 {
		t.Errorf("upstream failures counter = %v, want 2", failures)
	}
}

func TestHTTPTransport_RedirectIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	batch := []model.InvalidationRequest{
		model.NewInvalidationRequest("PURGE", "http://example.com/foo", srv.Listener.Addr().String(), model.Headers{}),
	}

	tr := NewHTTPTransport(testConfig(), testLogger(), nil)
	var se *StatusError
	if err := tr.SendRequests(context.Background(), batch); !errors.As(err, &se) || se.Code != http.StatusFound {
		t.Errorf("SendRequests() error = %v, want StatusError 302", err)
	}
}

func TestHTTPTransport_UnreachableServer(t *testing.T) {
	batch := []model.InvalidationRequest{
		model.NewInvalidationRequest("PURGE", "http://example.com/foo", "127.0.0.1:1", model.Headers{}),
	}

	tr := NewHTTPTransport(testConfig(), testLogger(), nil)
	var te *TransportError
	if err := tr.SendRequests(context.Background(), batch); !errors.As(err, &te) {
		t.Fatalf("SendRequests() error = %v, want *TransportError", err)
	}
}

func TestHTTPTransport_ConcurrencyLimit(t *testing.T) {
	var current, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Transport.Concurrency = 2

	var batch []model.InvalidationRequest
	for range 8 {
		batch = append(batch, model.NewInvalidationRequest("PURGE", "http://example.com/", srv.Listener.Addr().String(), model.Headers{}))
	}

	tr := NewHTTPTransport(cfg, testLogger(), nil)
	if err := tr.SendRequests(context.Background(), batch); err != nil {
		t.Fatalf("SendRequests() error = %v", err)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestHTTPTransport_RateLimitHonoursContext(t *testing.T) {
	p := newRecordingProxy(t, http.StatusOK)
	cfg := testConfig()
	cfg.Transport.RequestsPerSecond = 0.001 // one token, then effectively never

	batch := []model.InvalidationRequest{
		model.NewInvalidationRequest("PURGE", "http://example.com/a", p.addr(), model.Headers{}),
		model.NewInvalidationRequest("PURGE", "http://example.com/b", p.addr(), model.Headers{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	tr := NewHTTPTransport(cfg, testLogger(), nil)
	var te *TransportError
	if err := tr.SendRequests(ctx, batch); !errors.As(err, &te) {
		t.Fatalf("SendRequests() error = %v, want *TransportError", err)
	}
	if len(te.Failures) != 1 {
		t.Errorf("failures = %d, want 1 (second request starved by the limiter)", len(te.Failures))
	}
	if len(p.requests()) != 1 {
		t.Errorf("proxy saw %d requests, want 1", len(p.requests()))
	}
}

func TestDoerAdapter_SendRequests(t *testing.T) {
	p := newRecordingProxy(t, http.StatusOK)
	batch := []model.InvalidationRequest{
		model.NewInvalidationRequest("GET", "http://example.com/a", p.addr(), model.NewHeaders("Cache-Control", "no-cache")),
		model.NewInvalidationRequest("GET", "http://example.com/b", p.addr(), model.NewHeaders("Cache-Control", "no-cache")),
	}

	a := NewDoerAdapter(&http.Client{Timeout: 5 * time.Second}, testLogger(), nil)
	if err := a.SendRequests(context.Background(), batch); err != nil {
		t.Fatalf("SendRequests() error = %v", err)
	}

	reqs := p.requests()
	if len(reqs) != 2 {
		t.Fatalf("proxy saw %d requests, want 2", len(reqs))
	}
	if reqs[0].uri != "/a" || reqs[1].uri != "/b" {
		t.Errorf("requests out of order: %q, %q", reqs[0].uri, reqs[1].uri)
	}
	if reqs[0].header.Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", reqs[0].header.Get("Cache-Control"))
	}
}

func TestDoerAdapter_CanceledContext(t *testing.T) {
	p := newRecordingProxy(t, http.StatusOK)
	batch := []model.InvalidationRequest{
		model.NewInvalidationRequest("PURGE", "http://example.com/a", p.addr(), model.Headers{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewDoerAdapter(http.DefaultClient, testLogger(), nil)
	err := a.SendRequests(ctx, batch)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("SendRequests() error = %v, want context.Canceled", err)
	}
	if len(p.requests()) != 0 {
		t.Errorf("proxy saw %d requests, want 0", len(p.requests()))
	}
}

type senderStub struct{}

func (senderStub) SendRequests(context.Context, []model.InvalidationRequest) error { return nil }

func TestResolve(t *testing.T) {
	stub := senderStub{}

	tests := []struct {
		name    string
		client  any
		check   func(Sender) bool
		wantErr bool
	}{
		{"nil builds default", nil, func(s Sender) bool { _, ok := s.(*HTTPTransport); return ok }, false},
		{"sender used as is", stub, func(s Sender) bool { _, ok := s.(senderStub); return ok }, false},
		{"doer wrapped", &http.Client{}, func(s Sender) bool { _, ok := s.(*DoerAdapter); return ok }, false},
		{"unsupported type", "http://localhost", nil, true},
		{"unsupported struct", struct{}{}, nil, true},
		{"nil http client", (*http.Client)(nil), nil, true},
		{"nil sender", (*HTTPTransport)(nil), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Resolve(tt.client)
			if tt.wantErr {
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("Resolve() error = %v, want *ConfigurationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !tt.check(s) {
				t.Errorf("Resolve() returned %T", s)
			}
		})
	}
}
