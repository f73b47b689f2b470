// Package queue holds pending invalidation requests for a fixed set of proxy
// servers and expands each logical invalidation into one request per server.
package queue

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"httpcache-invalidator/internal/model"
)

// ConfigurationError reports a queue that was built or used with invalid
// configuration: no servers, a bad base URL, or a relative path queued
// without a base URL.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// RequestQueue is an ordered collection of InvalidationRequests.
// It is not safe for concurrent use; callers serialise access.
type RequestQueue struct {
	servers []string
	baseURL *url.URL
	items   []model.InvalidationRequest
}

// New creates an empty queue. servers must contain at least one host[:port];
// duplicates are dropped keeping the first occurrence. baseURL may be empty.
func New(servers []string, baseURL string) (*RequestQueue, error) {
	if len(servers) == 0 {
		return nil, &ConfigurationError{Field: "servers", Reason: "at least one proxy server is required"}
	}

	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		host, err := parseServer(s)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(normalized, host) {
			normalized = append(normalized, host)
		}
	}

	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	return &RequestQueue{
		servers: normalized,
		baseURL: base,
	}, nil
}

// Add expands inv into one request per server and appends them in server order.
// Nothing is appended when an error is returned.
func (q *RequestQueue) Add(inv model.Invalidation) error {
	if strings.TrimSpace(inv.Method) == "" {
		return &ConfigurationError{Field: "method", Reason: "HTTP method must not be empty"}
	}

	target, err := q.resolve(inv.URL)
	if err != nil {
		return err
	}

	for _, server := range q.servers {
		q.items = append(q.items, model.NewInvalidationRequest(inv.Method, target, server, inv.Headers))
	}
	return nil
}

// Count returns the number of physical requests queued.
func (q *RequestQueue) Count() int {
	return len(q.items)
}

// Clear drops all queued requests. Servers and base URL are kept.
func (q *RequestQueue) Clear() {
	clear(q.items)
	q.items = q.items[:0]
}

// Clone returns a snapshot with the same servers and base URL and its own
// copy of the queued requests.
func (q *RequestQueue) Clone() *RequestQueue {
	c := &RequestQueue{
		servers: q.servers,
		items:   slices.Clone(q.items),
	}
	if q.baseURL != nil {
		u := *q.baseURL
		c.baseURL = &u
	}
	return c
}

// Items returns a copy of the queued requests in insertion order.
func (q *RequestQueue) Items() []model.InvalidationRequest {
	return slices.Clone(q.items)
}

// Servers returns the configured proxy servers.
func (q *RequestQueue) Servers() []string {
	return slices.Clone(q.servers)
}

// BaseURL returns the normalised base URL, or "" when none is configured.
func (q *RequestQueue) BaseURL() string {
	if q.baseURL == nil {
		return ""
	}
	return q.baseURL.String()
}

func (q *RequestQueue) resolve(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", &ConfigurationError{Field: "url", Reason: "URL must not be empty"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", &ConfigurationError{Field: "url", Reason: fmt.Sprintf("invalid URL %q: %v", raw, err)}
	}

	if u.Scheme != "" {
		if u.Host == "" {
			return "", &ConfigurationError{Field: "url", Reason: fmt.Sprintf("URL %q has no host", raw)}
		}
		return u.String(), nil
	}
	if u.Host != "" {
		return "", &ConfigurationError{Field: "url", Reason: fmt.Sprintf("URL %q has no scheme", raw)}
	}

	if q.baseURL == nil {
		return "", &ConfigurationError{
			Field:  "base_url",
			Reason: fmt.Sprintf("relative path %q requires a base URL", raw),
		}
	}

	resolved := *q.baseURL
	resolved.Path = joinPath(q.baseURL.Path, u.Path)
	// Keeps encoded reserved characters such as %2F.
	resolved.RawPath = joinPath(q.baseURL.EscapedPath(), u.EscapedPath())
	resolved.RawQuery = u.RawQuery
	resolved.Fragment = ""
	return resolved.String(), nil
}

func joinPath(base, p string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}

// parseServer accepts host, host:port, or a URL and returns host[:port].
func parseServer(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &ConfigurationError{Field: "servers", Reason: "server address must not be empty"}
	}
	if !strings.Contains(s, "://") {
		return s, nil
	}

	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", &ConfigurationError{Field: "servers", Reason: fmt.Sprintf("invalid server address %q", s)}
	}
	return u.Host, nil
}

// parseBaseURL accepts an absolute URL or a bare hostname (read as http).
func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ConfigurationError{Field: "base_url", Reason: fmt.Sprintf("invalid base URL: %v", err)}
	}
	if u.Host == "" {
		return nil, &ConfigurationError{Field: "base_url", Reason: fmt.Sprintf("base URL %q has no host", raw)}
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
