package proxyclient

import (
	"net/http"

	"httpcache-invalidator/internal/model"
)

// Symfony invalidates a Symfony HttpCache reverse proxy.
type Symfony struct {
	*Client
}

var _ ProxyClient = (*Symfony)(nil)

// NewSymfony creates a Symfony HttpCache client.
func NewSymfony(servers []string, baseURL string, client any) (*Symfony, error) {
	c, err := New(servers, baseURL, client)
	if err != nil {
		return nil, err
	}
	return &Symfony{Client: c}, nil
}

func (s *Symfony) Purge(url string, headers model.Headers) error {
	return s.QueueRequest(MethodPurge, url, headers)
}

// Refresh sends GET with Cache-Control: no-cache, overriding a caller value.
func (s *Symfony) Refresh(url string, headers model.Headers) error {
	h := headers.Merge(model.NewHeaders("Cache-Control", "no-cache"))
	return s.QueueRequest(http.MethodGet, url, h)
}

func (s *Symfony) AllowedSchemes() []string {
	return []string{"http", "https"}
}

func (s *Symfony) Kind() Kind { return KindSymfony }
