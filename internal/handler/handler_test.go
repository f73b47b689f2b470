package handler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"httpcache-invalidator/internal/model"
	"httpcache-invalidator/internal/proxyclient"
	"httpcache-invalidator/internal/service"
)

// stubSender records every batch and returns err.
type stubSender struct {
	mu      sync.Mutex
	batches [][]model.InvalidationRequest
	err     error
}

func (s *stubSender) SendRequests(_ context.Context, batch []model.InvalidationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *stubSender) last() []model.InvalidationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil
	}
	return s.batches[len(s.batches)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, kind proxyclient.Kind, sender *stubSender) *service.InvalidationService {
	t.Helper()
	servers := []string{"10.0.0.1:6081", "10.0.0.2:6081"}

	var (
		p   proxyclient.ProxyClient
		err error
	)
	switch kind {
	case proxyclient.KindNginx:
		p, err = proxyclient.NewNginx(servers, "http://example.com", "", sender)
	default:
		p, err = proxyclient.NewVarnish(servers, "http://example.com", sender)
	}
	if err != nil {
		t.Fatalf("new proxy client: %v", err)
	}
	return service.NewInvalidationService(p, testLogger(), nil)
}
