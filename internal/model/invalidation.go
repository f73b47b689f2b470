// Package model defines shared types for invalidation dispatch.
package model

import (
	"net/http"
)

// Invalidation is a logical invalidation command as issued by the application,
// before it is expanded into one request per proxy server.
type Invalidation struct {
	Method  string
	URL     string // absolute URL, or a path relative to the configured base URL
	Headers Headers
}

// InvalidationRequest is a single physical request bound for one proxy server.
// Values are immutable once built by NewInvalidationRequest.
type InvalidationRequest struct {
	method  string
	url     string
	server  string
	headers Headers
}

// NewInvalidationRequest builds a request for server. The headers are copied.
func NewInvalidationRequest(method, url, server string, headers Headers) InvalidationRequest {
	return InvalidationRequest{
		method:  method,
		url:     url,
		server:  server,
		headers: headers.Clone(),
	}
}

// Method returns the HTTP verb, e.g. PURGE.
func (r InvalidationRequest) Method() string { return r.method }

// URL returns the resolved absolute URL being invalidated.
func (r InvalidationRequest) URL() string { return r.url }

// Server returns the proxy endpoint as host[:port].
func (r InvalidationRequest) Server() string { return r.server }

// Headers returns a copy of the request headers in insertion order.
func (r InvalidationRequest) Headers() Headers { return r.headers.Clone() }

// HTTPHeader returns the headers as an http.Header.
func (r InvalidationRequest) HTTPHeader() http.Header { return r.headers.HTTPHeader() }

// Headers is an ordered header map. Names are canonicalised, so lookups are
// case-insensitive; setting an existing name replaces its value in place.
type Headers struct {
	fields []field
}

type field struct {
	name  string
	value string
}

// NewHeaders builds Headers from alternating name/value pairs.
// A trailing name without a value is ignored.
func NewHeaders(kv ...string) Headers {
	var h Headers
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

// Set stores value under name, replacing any earlier value for the same name.
func (h *Headers) Set(name, value string) {
	name = http.CanonicalHeaderKey(name)
	for i := range h.fields {
		if h.fields[i].name == name {
			h.fields[i].value = value
			return
		}
	}
	h.fields = append(h.fields, field{name: name, value: value})
}

// Get returns the value for name, or "" when absent.
func (h Headers) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup returns the value for name and whether it was present.
func (h Headers) Lookup(name string) (string, bool) {
	name = http.CanonicalHeaderKey(name)
	for _, f := range h.fields {
		if f.name == name {
			return f.value, true
		}
	}
	return "", false
}

// Len returns the number of distinct header names.
func (h Headers) Len() int { return len(h.fields) }

// Each calls fn for every header in insertion order.
func (h Headers) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}

// Merge returns a copy of h with every header of other applied on top.
func (h Headers) Merge(other Headers) Headers {
	out := h.Clone()
	other.Each(out.Set)
	return out
}

// Clone returns a copy that shares no storage with h.
func (h Headers) Clone() Headers {
	if len(h.fields) == 0 {
		return Headers{}
	}
	out := Headers{fields: make([]field, len(h.fields))}
	copy(out.fields, h.fields)
	return out
}

// HTTPHeader converts h into an http.Header.
func (h Headers) HTTPHeader() http.Header {
	dst := make(http.Header, len(h.fields))
	for _, f := range h.fields {
		dst[f.name] = []string{f.value}
	}
	return dst
}
