package transport

import (
	"fmt"
	"strings"

	"httpcache-invalidator/internal/model"
)

// StatusError reports a proxy server reply outside the 2xx range.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "unexpected status " + e.Status
}

// RequestFailure ties a failed request to its cause.
type RequestFailure struct {
	Request model.InvalidationRequest
	Err     error
}

func (f RequestFailure) Error() string {
	return fmt.Sprintf("%s %s via %s: %v", f.Request.Method(), f.Request.URL(), f.Request.Server(), f.Err)
}

func (f RequestFailure) Unwrap() error { return f.Err }

// TransportError aggregates the failed requests of one batch. Failures are
// listed in batch order.
type TransportError struct {
	Total    int
	Failures []RequestFailure
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d invalidation requests failed", len(e.Failures), e.Total)
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap exposes the individual causes to errors.Is and errors.As.
func (e *TransportError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
