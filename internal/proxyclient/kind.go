package proxyclient

import (
	"fmt"
	"strings"

	"httpcache-invalidator/internal/config"
	"httpcache-invalidator/internal/transport"
)

// Kind identifies a caching proxy technology.
type Kind int

const (
	KindVarnish Kind = iota + 1
	KindNginx
	KindSymfony
)

// ParseKind maps a proxy.kind config value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case config.ProxyKindVarnish:
		return KindVarnish, nil
	case config.ProxyKindNginx:
		return KindNginx, nil
	case config.ProxyKindSymfony:
		return KindSymfony, nil
	default:
		return 0, fmt.Errorf("unknown proxy kind %q", s)
	}
}

func (k Kind) String() string {
	switch k {
	case KindVarnish:
		return config.ProxyKindVarnish
	case KindNginx:
		return config.ProxyKindNginx
	case KindSymfony:
		return config.ProxyKindSymfony
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// NewFromConfig builds the ProxyClient selected by proxy.kind.
// sender may be nil to use a default transport.
func NewFromConfig(cfg *config.Config, sender transport.Sender) (ProxyClient, error) {
	kind, err := ParseKind(cfg.Proxy.Kind)
	if err != nil {
		return nil, err
	}

	var client any = sender
	p := cfg.Proxy
	switch kind {
	case KindVarnish:
		v, err := NewVarnish(p.Servers, p.BaseURL, client)
		if err != nil {
			return nil, err
		}
		return v, nil
	case KindNginx:
		n, err := NewNginx(p.Servers, p.BaseURL, p.PurgeLocation, client)
		if err != nil {
			return nil, err
		}
		return n, nil
	case KindSymfony:
		s, err := NewSymfony(p.Servers, p.BaseURL, client)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported proxy kind %s", kind)
}
