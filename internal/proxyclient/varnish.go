package proxyclient

import (
	"net/http"
	"regexp"
	"strings"

	"httpcache-invalidator/internal/model"
	"httpcache-invalidator/internal/queue"
)

// Varnish ban headers. The VCL on the proxy matches them as regular
// expressions against the cached object.
const (
	HeaderBanHost        = "X-Host"
	HeaderBanURL         = "X-Url"
	HeaderBanContentType = "X-Content-Type"
	HeaderCacheTags      = "X-Cache-Tags"
)

// Invalidation methods understood by the proxies.
const (
	MethodPurge = "PURGE"
	MethodBan   = "BAN"
)

// defaultBanHeaders match everything; a ban narrows them.
var defaultBanHeaders = model.NewHeaders(
	HeaderBanHost, ".*",
	HeaderBanURL, ".*",
	HeaderBanContentType, ".*",
)

// Varnish invalidates a Varnish cache by purge, refresh, ban and cache tags.
type Varnish struct {
	*Client
}

var (
	_ ProxyClient    = (*Varnish)(nil)
	_ Banner         = (*Varnish)(nil)
	_ TagInvalidator = (*Varnish)(nil)
)

// NewVarnish creates a Varnish client. See New for the arguments.
func NewVarnish(servers []string, baseURL string, client any) (*Varnish, error) {
	c, err := New(servers, baseURL, client)
	if err != nil {
		return nil, err
	}
	return &Varnish{Client: c}, nil
}

// Purge removes url from the cache.
func (v *Varnish) Purge(url string, headers model.Headers) error {
	return v.QueueRequest(MethodPurge, url, headers)
}

// Refresh fetches url from the backend, replacing the cached copy.
// Cache-Control: no-cache always overrides a caller value.
func (v *Varnish) Refresh(url string, headers model.Headers) error {
	h := headers.Merge(model.NewHeaders("Cache-Control", "no-cache"))
	return v.QueueRequest(http.MethodGet, url, h)
}

// Ban invalidates every object matching headers, which are applied over the
// match-all defaults. The ban is sent to the root of the base URL.
func (v *Varnish) Ban(headers model.Headers) error {
	return v.QueueRequest(MethodBan, "/", defaultBanHeaders.Merge(headers))
}

// BanPath bans objects whose path matches the path regex. contentType is a
// regex on the Content-Type; empty matches all. hosts restricts the ban to
// those exact hostnames; none matches all.
func (v *Varnish) BanPath(path, contentType string, hosts []string) error {
	h := model.NewHeaders(HeaderBanURL, path)
	if contentType != "" {
		h.Set(HeaderBanContentType, contentType)
	}
	if len(hosts) > 0 {
		h.Set(HeaderBanHost, "^("+quoteAll(hosts)+")$")
	}
	return v.Ban(h)
}

// InvalidateTags bans every object tagged with at least one of tags.
func (v *Varnish) InvalidateTags(tags []string) error {
	if len(tags) == 0 {
		return &queue.ConfigurationError{Field: "tags", Reason: "at least one tag is required"}
	}
	return v.Ban(model.NewHeaders(HeaderCacheTags, "(^|,)("+quoteAll(tags)+")(,|$)"))
}

// AllowedSchemes reports that Varnish only serves plain HTTP.
func (v *Varnish) AllowedSchemes() []string {
	return []string{"http"}
}

// Kind returns KindVarnish.
func (v *Varnish) Kind() Kind { return KindVarnish }

func quoteAll(values []string) string {
	quoted := make([]string, len(values))
	for i, s := range values {
		quoted[i] = regexp.QuoteMeta(s)
	}
	return strings.Join(quoted, "|")
}
