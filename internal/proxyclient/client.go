// Package proxyclient queues invalidations for caching proxies and flushes
// them through a transport.
//
// Client holds the queue and the flush logic shared by every proxy
// technology. The variants (Varnish, Nginx, Symfony) embed it and add the
// verbs and headers their proxy understands, plus AllowedSchemes.
package proxyclient

import (
	"context"

	"httpcache-invalidator/internal/model"
	"httpcache-invalidator/internal/queue"
	"httpcache-invalidator/internal/transport"
)

// ProxyClient is implemented by every proxy variant.
type ProxyClient interface {
	Purge(url string, headers model.Headers) error
	Refresh(url string, headers model.Headers) error
	Flush(ctx context.Context) (int, error)
	Count() int
	Servers() []string
	BaseURL() string
	AllowedSchemes() []string
	Kind() Kind
}

// Banner is implemented by variants that support regex bans.
type Banner interface {
	Ban(headers model.Headers) error
	BanPath(path, contentType string, hosts []string) error
}

// TagInvalidator is implemented by variants that can invalidate by cache tag.
type TagInvalidator interface {
	InvalidateTags(tags []string) error
}

// Client queues invalidation requests and sends them on Flush.
// It is not safe for concurrent use.
type Client struct {
	queue  *queue.RequestQueue
	sender transport.Sender
}

// New creates a Client for servers (host[:port]). baseURL may be empty, in
// which case only absolute URLs can be queued. client may be nil, a
// transport.Sender or a transport.Doer such as *http.Client.
func New(servers []string, baseURL string, client any) (*Client, error) {
	sender, err := transport.Resolve(client)
	if err != nil {
		return nil, err
	}

	q, err := queue.New(servers, baseURL)
	if err != nil {
		return nil, err
	}

	return &Client{queue: q, sender: sender}, nil
}

// QueueRequest queues method url on every server. No I/O is performed.
func (c *Client) QueueRequest(method, url string, headers model.Headers) error {
	return c.queue.Add(model.Invalidation{
		Method:  method,
		URL:     url,
		Headers: headers,
	})
}

// Flush sends every queued request and returns how many were sent.
//
// The queue is emptied before the transport is called: requests are never
// resent by a later Flush, and requests queued while the batch is in flight
// wait for the next one. Failed requests are not re-queued; the transport's
// error, usually a *transport.TransportError, is returned as is.
func (c *Client) Flush(ctx context.Context) (int, error) {
	if c.queue.Count() == 0 {
		return 0, nil
	}

	snapshot := c.queue.Clone()
	c.queue.Clear()

	if err := c.sender.SendRequests(ctx, snapshot.Items()); err != nil {
		return 0, err
	}
	return snapshot.Count(), nil
}

// Count returns the number of requests waiting for the next Flush.
func (c *Client) Count() int {
	return c.queue.Count()
}

// Servers returns the proxy servers requests are sent to.
func (c *Client) Servers() []string {
	return c.queue.Servers()
}

// BaseURL returns the base URL relative paths are resolved against.
func (c *Client) BaseURL() string {
	return c.queue.BaseURL()
}
