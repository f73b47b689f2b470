// Package service serialises access to a proxy client and adds validation,
// statistics and periodic flushing on top of it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"go.uber.org/atomic"

	"httpcache-invalidator/internal/metrics"
	"httpcache-invalidator/internal/model"
	"httpcache-invalidator/internal/proxyclient"
	"httpcache-invalidator/internal/transport"
)

// ErrSchemeNotAllowed is returned for an absolute URL whose scheme the proxy cannot cache.
var ErrSchemeNotAllowed = errors.New("URL scheme not allowed by caching proxy")

// ErrUnsupported is returned when the configured proxy lacks an operation, e.g. bans on Nginx.
var ErrUnsupported = errors.New("operation not supported by caching proxy")

// Stats summarises flush activity since start.
type Stats struct {
	LastFlushAt    time.Time
	LastFlushCount int64
	SentTotal      int64
	FailedTotal    int64
	FlushErrors    int64
}

// InvalidationService guards a ProxyClient with a mutex so handlers and the
// auto-flush loop can share it. At most one flush runs at a time. The pending
// count is mirrored in an atomic so status reads never wait on a send.
type InvalidationService struct {
	mu      sync.Mutex
	client  proxyclient.ProxyClient
	logger  *slog.Logger
	metrics *metrics.Metrics

	pending        *atomic.Int64
	lastFlushAt    *atomic.Time
	lastFlushCount *atomic.Int64
	sentTotal      *atomic.Int64
	failedTotal    *atomic.Int64
	flushErrors    *atomic.Int64
}

// NewInvalidationService creates an InvalidationService.
// The metrics parameter is optional; pass nil to disable metrics recording.
func NewInvalidationService(c proxyclient.ProxyClient, logger *slog.Logger, m *metrics.Metrics) *InvalidationService {
	return &InvalidationService{
		client:         c,
		logger:         logger.With("component", "invalidation_service"),
		metrics:        m,
		pending:        atomic.NewInt64(int64(c.Count())),
		lastFlushAt:    atomic.NewTime(time.Time{}),
		lastFlushCount: atomic.NewInt64(0),
		sentTotal:      atomic.NewInt64(0),
		failedTotal:    atomic.NewInt64(0),
		flushErrors:    atomic.NewInt64(0),
	}
}

// Purge queues a purge of rawURL on every proxy server.
func (s *InvalidationService) Purge(rawURL string, headers model.Headers) error {
	if err := s.checkScheme(rawURL); err != nil {
		return err
	}
	return s.queue("purge", func() error { return s.client.Purge(rawURL, headers) })
}

// Refresh queues a refresh of rawURL on every proxy server.
func (s *InvalidationService) Refresh(rawURL string, headers model.Headers) error {
	if err := s.checkScheme(rawURL); err != nil {
		return err
	}
	return s.queue("refresh", func() error { return s.client.Refresh(rawURL, headers) })
}

// Ban queues a header-matched ban. It returns ErrUnsupported unless the proxy is a Banner.
func (s *InvalidationService) Ban(headers model.Headers) error {
	b, ok := s.client.(proxyclient.Banner)
	if !ok {
		return fmt.Errorf("ban on %s: %w", s.client.Kind(), ErrUnsupported)
	}
	return s.queue("ban", func() error { return b.Ban(headers) })
}

// BanPath queues a path/content-type/host ban. It returns ErrUnsupported unless the proxy is a Banner.
func (s *InvalidationService) BanPath(path, contentType string, hosts []string) error {
	b, ok := s.client.(proxyclient.Banner)
	if !ok {
		return fmt.Errorf("ban on %s: %w", s.client.Kind(), ErrUnsupported)
	}
	return s.queue("ban", func() error { return b.BanPath(path, contentType, hosts) })
}

// InvalidateTags queues a tag invalidation. It returns ErrUnsupported unless
// the proxy is a TagInvalidator.
func (s *InvalidationService) InvalidateTags(tags []string) error {
	ti, ok := s.client.(proxyclient.TagInvalidator)
	if !ok {
		return fmt.Errorf("tag invalidation on %s: %w", s.client.Kind(), ErrUnsupported)
	}
	return s.queue("tags", func() error { return ti.InvalidateTags(tags) })
}

// Flush sends every pending request and returns how many were sent.
// On failure the error from the transport is returned unchanged.
func (s *InvalidationService) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.client.Count()
	start := time.Now()
	n, err := s.client.Flush(ctx)
	s.syncPending()

	if pending == 0 {
		s.observeFlush(metrics.FlushResultEmpty, 0)
		return 0, nil
	}

	s.lastFlushAt.Store(start)
	if err != nil {
		failed := pending
		var te *transport.TransportError
		if errors.As(err, &te) {
			failed = len(te.Failures)
		}
		s.lastFlushCount.Store(int64(pending))
		s.sentTotal.Add(int64(pending))
		s.failedTotal.Add(int64(failed))
		s.flushErrors.Inc()
		s.observeFlush(metrics.FlushResultError, pending)

		s.logger.Error("flush failed",
			"requests", pending,
			"failed", failed,
			"duration_ms", time.Since(start).Milliseconds(),
			"err", err,
		)
		return 0, err
	}

	s.lastFlushCount.Store(int64(n))
	s.sentTotal.Add(int64(n))
	s.observeFlush(metrics.FlushResultOK, n)

	s.logger.Info("flushed invalidation requests",
		"requests", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return n, nil
}

// RunAutoFlush flushes every interval until ctx is done. Failures are
// logged and counted; the failed requests are not retried.
//
// ctx only stops the loop. A flush already under way runs to completion,
// bounded by the transport's own timeouts, because its batch has left the
// queue and would otherwise be lost.
func (s *InvalidationService) RunAutoFlush(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sendCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are already logged and counted by Flush.
			_, _ = s.Flush(sendCtx)
		}
	}
}

// Close sends whatever is still queued. It is called on shutdown.
func (s *InvalidationService) Close(ctx context.Context) error {
	_, err := s.Flush(ctx)
	return err
}

// Pending returns the number of requests waiting for the next flush. It does
// not block while a flush is sending.
func (s *InvalidationService) Pending() int {
	return int(s.pending.Load())
}

// Stats returns a snapshot of the flush counters.
func (s *InvalidationService) Stats() Stats {
	return Stats{
		LastFlushAt:    s.lastFlushAt.Load(),
		LastFlushCount: s.lastFlushCount.Load(),
		SentTotal:      s.sentTotal.Load(),
		FailedTotal:    s.failedTotal.Load(),
		FlushErrors:    s.flushErrors.Load(),
	}
}

// Kind returns the configured proxy technology.
func (s *InvalidationService) Kind() proxyclient.Kind { return s.client.Kind() }

// Servers returns the proxy servers invalidations are sent to.
func (s *InvalidationService) Servers() []string { return s.client.Servers() }

// BaseURL returns the base URL for relative paths, or "".
func (s *InvalidationService) BaseURL() string { return s.client.BaseURL() }

// AllowedSchemes returns the URL schemes the proxy can cache.
func (s *InvalidationService) AllowedSchemes() []string { return s.client.AllowedSchemes() }

func (s *InvalidationService) queue(operation string, add func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.client.Count()
	if err := add(); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.QueuedRequests.WithLabelValues(operation).Add(float64(s.client.Count() - before))
	}
	s.syncPending()
	return nil
}

// checkScheme rejects URLs with a scheme the proxy does not serve. Relative
// paths are checked against the base URL's scheme.
func (s *InvalidationService) checkScheme(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		// Reported by the queue.
		return nil
	}
	scheme := u.Scheme
	if scheme == "" {
		base, err := url.Parse(s.client.BaseURL())
		if err != nil || base.Scheme == "" {
			return nil
		}
		scheme = base.Scheme
	}
	if !slices.Contains(s.client.AllowedSchemes(), scheme) {
		return fmt.Errorf("%w: %q for %s (allowed: %v)", ErrSchemeNotAllowed, scheme, s.client.Kind(), s.client.AllowedSchemes())
	}
	return nil
}

// syncPending publishes the queue size. Callers hold s.mu.
func (s *InvalidationService) syncPending() {
	n := s.client.Count()
	s.pending.Store(int64(n))
	if s.metrics != nil {
		s.metrics.PendingRequests.Set(float64(n))
	}
}

func (s *InvalidationService) observeFlush(result string, n int) {
	if s.metrics == nil {
		return
	}
	s.metrics.Flushes.WithLabelValues(result).Inc()
	s.metrics.FlushedRequests.Add(float64(n))
}
