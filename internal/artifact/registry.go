// Package artifact dispatches build-artifact retrieval to named methods.
// A build records which method produced it plus an opaque parameter bag;
// the registry turns those into a byte stream, gated by an operator
// allow-list of enabled methods.
package artifact

import (
	"context"
	"errors"
	"io"
)

var (
	ErrUnknownMethod  = errors.New("artifact: unknown app method")
	ErrDisabledMethod = errors.New("artifact: disabled app method")
)

// Params is the opaque parameter bag recorded with a build.
type Params map[string]string

// Source produces a byte stream for one retrieval method. Failures may be
// deferred to stream reads; Open itself fails fast only on configuration
// problems. The caller owns the returned stream and must close it on every
// exit path.
type Source interface {
	Open(ctx context.Context, p Params) (io.ReadCloser, error)
}

// Registry maps method names to sources. Registration happens at startup;
// afterwards the registry is read-only and safe for concurrent use.
type Registry struct {
	sources map[string]Source
	enabled map[string]bool
}

// NewRegistry creates a registry whose allow-list is the given method names.
// A method must be both registered and enabled to be usable.
func NewRegistry(enabled []string) *Registry {
	en := make(map[string]bool, len(enabled))
	for _, m := range enabled {
		en[m] = true
	}
	return &Registry{
		sources: make(map[string]Source),
		enabled: en,
	}
}

// Register installs a source under the given method name.
func (r *Registry) Register(method string, src Source) {
	r.sources[method] = src
}

// Open resolves the method and produces the artifact stream. Unknown methods
// fail before disabled ones; both are configuration errors, not client
// errors.
func (r *Registry) Open(ctx context.Context, method string, p Params) (io.ReadCloser, error) {
	src, ok := r.sources[method]
	if !ok {
		return nil, ErrUnknownMethod
	}
	if !r.enabled[method] {
		return nil, ErrDisabledMethod
	}
	return src.Open(ctx, p)
}
