package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"httpcache-invalidator/internal/config"
	"httpcache-invalidator/internal/metrics"
	"httpcache-invalidator/internal/model"
)

// maxDrainBytes bounds how much of a reply body is read before closing it.
const maxDrainBytes = 64 << 10

// HTTPTransport is the default Sender. A batch is fanned out concurrently,
// bounded by transport.concurrency, and optionally rate limited.
type HTTPTransport struct {
	httpClient  *http.Client
	concurrency int
	limiter     *rate.Limiter
	instrumentation
}

// NewHTTPTransport creates an HTTPTransport with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewHTTPTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *HTTPTransport {
	tc := cfg.Transport
	tc.SetDefaults()

	transport := &http.Transport{
		MaxIdleConns:        tc.IdleConnections,
		MaxIdleConnsPerHost: tc.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	var limiter *rate.Limiter
	if tc.RequestsPerSecond > 0 {
		burst := int(math.Ceil(tc.RequestsPerSecond))
		limiter = rate.NewLimiter(rate.Limit(tc.RequestsPerSecond), burst)
	}

	return &HTTPTransport{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(tc.TimeoutSeconds) * time.Second,
			// Proxies answer invalidations directly; a redirect is a failure.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		concurrency: tc.Concurrency,
		limiter:     limiter,
		instrumentation: instrumentation{
			logger:  logger.With("component", "http_transport"),
			metrics: m,
		},
	}
}

// SendRequests sends every request in batch and waits for all of them.
func (t *HTTPTransport) SendRequests(ctx context.Context, batch []model.InvalidationRequest) error {
	errs := make([]error, len(batch))

	var g errgroup.Group
	g.SetLimit(t.concurrency)
	for i, r := range batch {
		g.Go(func() error {
			errs[i] = t.send(ctx, r)
			return nil
		})
	}
	_ = g.Wait()

	return t.collect(batch, errs)
}

func (t *HTTPTransport) send(ctx context.Context, r model.InvalidationRequest) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := newHTTPRequest(ctx, r)
	if err != nil {
		return err
	}
	return t.roundTrip(t.httpClient, req)
}

// DoerAdapter lets a plain HTTP client act as a Sender. Requests are sent
// one at a time in batch order.
type DoerAdapter struct {
	doer Doer
	instrumentation
}

// NewDoerAdapter wraps d. The metrics parameter is optional.
func NewDoerAdapter(d Doer, logger *slog.Logger, m *metrics.Metrics) *DoerAdapter {
	return &DoerAdapter{
		doer: d,
		instrumentation: instrumentation{
			logger:  logger.With("component", "doer_adapter"),
			metrics: m,
		},
	}
}

// SendRequests sends every request in batch sequentially.
func (a *DoerAdapter) SendRequests(ctx context.Context, batch []model.InvalidationRequest) error {
	errs := make([]error, len(batch))
	for i, r := range batch {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		req, err := newHTTPRequest(ctx, r)
		if err != nil {
			errs[i] = err
			continue
		}
		errs[i] = a.roundTrip(a.doer, req)
	}
	return a.collect(batch, errs)
}

// instrumentation holds the logging and metrics shared by Sender implementations.
type instrumentation struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (in instrumentation) roundTrip(d Doer, req *http.Request) error {
	in.logger.Debug("invalidation request",
		"method", req.Method,
		"server", req.URL.Host,
		"host", req.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := d.Do(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if in.metrics != nil {
		in.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		_ = resp.Body.Close()
	}()

	if in.metrics != nil {
		in.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// collect returns a *TransportError listing every non-nil entry of errs, or nil.
func (in instrumentation) collect(batch []model.InvalidationRequest, errs []error) error {
	var failures []RequestFailure
	for i, err := range errs {
		if err == nil {
			continue
		}
		failures = append(failures, RequestFailure{Request: batch[i], Err: err})
		if in.metrics != nil {
			in.metrics.UpstreamFailures.WithLabelValues(metrics.NormalizeMethod(batch[i].Method())).Inc()
		}
		in.logger.Warn("invalidation request failed",
			"method", batch[i].Method(),
			"url", batch[i].URL(),
			"server", batch[i].Server(),
			"err", err,
		)
	}
	if len(failures) == 0 {
		return nil
	}
	return &TransportError{Total: len(batch), Failures: failures}
}
