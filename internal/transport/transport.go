// Package transport sends invalidation requests to caching proxy servers.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"

	"httpcache-invalidator/internal/config"
	"httpcache-invalidator/internal/model"
)

// Sender delivers a batch of invalidation requests. Every request in the
// batch is attempted; any failure is reported through a *TransportError.
type Sender interface {
	SendRequests(ctx context.Context, batch []model.InvalidationRequest) error
}

// Doer is the legacy client shape: anything that executes a single
// *http.Request, such as *http.Client. It is wrapped in a DoerAdapter.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ConfigurationError is returned by Resolve for a client of unsupported type.
type ConfigurationError struct {
	Type string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("transport: unsupported client type %s (want transport.Sender or transport.Doer)", e.Type)
}

// Resolve turns the optional client given to a proxy client into a Sender.
// nil yields a default HTTPTransport, a Sender is used as is and a Doer is
// wrapped in a DoerAdapter.
func Resolve(client any) (Sender, error) {
	if client != nil && isNilValue(client) {
		return nil, &ConfigurationError{Type: fmt.Sprintf("nil %T", client)}
	}

	switch c := client.(type) {
	case nil:
		return NewHTTPTransport(&config.Config{}, slog.Default(), nil), nil
	case Sender:
		return c, nil
	case Doer:
		return NewDoerAdapter(c, slog.Default(), nil), nil
	default:
		return nil, &ConfigurationError{Type: fmt.Sprintf("%T", client)}
	}
}

// isNilValue reports a typed nil, e.g. (*http.Client)(nil) stored in an interface.
func isNilValue(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Interface, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}

// newHTTPRequest builds the wire request for r. It is addressed to the proxy
// server, and the Host header names the site whose content is invalidated.
func newHTTPRequest(ctx context.Context, r model.InvalidationRequest) (*http.Request, error) {
	target, err := url.Parse(r.URL())
	if err != nil {
		return nil, fmt.Errorf("parse invalidation URL: %w", err)
	}

	wire := url.URL{
		Scheme:   "http",
		Host:     r.Server(),
		Path:     target.Path,
		RawPath:  target.RawPath,
		RawQuery: target.RawQuery,
	}
	if wire.Path == "" {
		wire.Path = "/"
	}

	req, err := http.NewRequestWithContext(ctx, r.Method(), wire.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build invalidation request: %w", err)
	}
	req.Header = r.HTTPHeader()
	req.Host = target.Host
	if h := req.Header.Get("Host"); h != "" {
		req.Host = h
	}
	req.Header.Del("Host")

	return req, nil
}
