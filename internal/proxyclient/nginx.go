package proxyclient

import (
	"net/http"
	"net/url"
	"strings"

	"httpcache-invalidator/internal/model"
)

// HeaderRefresh tells the Nginx config to bypass and refill the cache.
const HeaderRefresh = "X-Refresh"

// Nginx invalidates an Nginx proxy cache. When purgeLocation is set, purge
// requests are sent below that location instead of the page path itself.
type Nginx struct {
	*Client
	purgeLocation string
}

var _ ProxyClient = (*Nginx)(nil)

// NewNginx creates an Nginx client. purgeLocation may be empty.
func NewNginx(servers []string, baseURL, purgeLocation string, client any) (*Nginx, error) {
	c, err := New(servers, baseURL, client)
	if err != nil {
		return nil, err
	}
	return &Nginx{Client: c, purgeLocation: purgeLocation}, nil
}

// Purge removes url from the cache.
func (n *Nginx) Purge(rawURL string, headers model.Headers) error {
	return n.QueueRequest(MethodPurge, n.purgeURL(rawURL), headers)
}

// Refresh fetches url from the backend, replacing the cached copy.
func (n *Nginx) Refresh(rawURL string, headers model.Headers) error {
	h := headers.Merge(model.NewHeaders(HeaderRefresh, "1"))
	return n.QueueRequest(http.MethodGet, rawURL, h)
}

// AllowedSchemes reports the schemes Nginx can cache.
func (n *Nginx) AllowedSchemes() []string {
	return []string{"http", "https"}
}

// Kind returns KindNginx.
func (n *Nginx) Kind() Kind { return KindNginx }

func (n *Nginx) purgeURL(rawURL string) string {
	if n.purgeLocation == "" || strings.TrimSpace(rawURL) == "" {
		return rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		// Left for the queue to reject.
		return rawURL
	}
	location := strings.TrimSuffix(n.purgeLocation, "/")
	escapedLocation := (&url.URL{Path: location}).EscapedPath()
	u.RawPath = escapedLocation + "/" + strings.TrimPrefix(u.EscapedPath(), "/")
	u.Path = location + "/" + strings.TrimPrefix(u.Path, "/")
	return u.String()
}
