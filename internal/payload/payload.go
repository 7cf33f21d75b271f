// Package payload stores and fetches large bodies (captured HTML, diff
// results) behind opaque locator strings.
package payload

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable reports that a locator could not be read. It may be
// transient (backend down) or permanent (locator invalid); the wrapped error
// says which.
var ErrUnavailable = errors.New("payload unavailable")

// Store reads payloads by locator and writes payloads returning a fresh
// locator. Locators are opaque to callers; each backend owns a URI scheme.
type Store interface {
	Read(ctx context.Context, locator string) ([]byte, error)
	Write(ctx context.Context, kind string, body []byte) (string, error)
}

// Router dispatches reads by locator scheme so records written by one
// backend stay readable after the deployment switches to another. Writes go
// to the primary backend.
type Router struct {
	primary  Store
	byScheme map[string]Store
}

func NewRouter(primary Store, backends ...Store) *Router {
	r := &Router{primary: primary, byScheme: make(map[string]Store)}
	for _, backend := range append([]Store{primary}, backends...) {
		for _, scheme := range schemes(backend) {
			r.byScheme[scheme] = backend
		}
	}
	return r
}

func (r *Router) Read(ctx context.Context, locator string) ([]byte, error) {
	scheme, _, found := strings.Cut(locator, "://")
	if !found {
		// Bare filesystem paths predate scheme-prefixed locators.
		scheme = "file"
	}
	backend, ok := r.byScheme[scheme]
	if !ok {
		return nil, fmt.Errorf("no backend for locator %q: %w", locator, ErrUnavailable)
	}
	return backend.Read(ctx, locator)
}

func (r *Router) Write(ctx context.Context, kind string, body []byte) (string, error) {
	return r.primary.Write(ctx, kind, body)
}

type schemer interface {
	Schemes() []string
}

func schemes(s Store) []string {
	if sc, ok := s.(schemer); ok {
		return sc.Schemes()
	}
	return nil
}
