// Package module mounts self-contained HTTP handlers under single-segment
// path prefixes and routes everything else to a fallback mux.
package module

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/JaimeStill/docmark/pkg/middleware"
)

// Module serves an inner handler below a prefix such as "/api". The inner
// handler sees paths with the prefix removed.
type Module struct {
	prefix string
	inner  http.Handler
	stack  middleware.Stack
}

// New creates a Module. It panics unless prefix is a single segment with a
// leading slash.
func New(prefix string, inner http.Handler) *Module {
	if prefix == "" || prefix[0] != '/' || strings.Count(prefix, "/") != 1 {
		panic(fmt.Sprintf("module: prefix must be a single segment like /api, got %q", prefix))
	}
	return &Module{prefix: prefix, inner: inner}
}

// Prefix returns the mount prefix.
func (m *Module) Prefix() string { return m.prefix }

// Use appends middleware that wraps the inner handler.
func (m *Module) Use(fns ...middleware.Func) {
	m.stack.Use(fns...)
}

func (m *Module) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, m.prefix)
	if rest == "" {
		rest = "/"
	}

	inner := r.Clone(r.Context())
	inner.URL.Path = rest
	inner.URL.RawPath = ""

	m.stack.Then(m.inner).ServeHTTP(w, inner)
}

// Router dispatches on the first path segment to mounted modules.
type Router struct {
	modules  map[string]*Module
	fallback *http.ServeMux
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		modules:  make(map[string]*Module),
		fallback: http.NewServeMux(),
	}
}

// Mount registers modules by prefix. A later module replaces an earlier one
// with the same prefix.
func (r *Router) Mount(mods ...*Module) {
	for _, m := range mods {
		r.modules[m.prefix] = m
	}
}

// HandleFunc registers h on the fallback mux for paths no module claims.
func (r *Router) HandleFunc(pattern string, h http.HandlerFunc) {
	r.fallback.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if p := req.URL.Path; len(p) > 1 && strings.HasSuffix(p, "/") {
		req.URL.Path = strings.TrimSuffix(p, "/")
	}

	segment, _, _ := strings.Cut(strings.TrimPrefix(req.URL.Path, "/"), "/")
	if m, ok := r.modules["/"+segment]; ok {
		m.ServeHTTP(w, req)
		return
	}
	r.fallback.ServeHTTP(w, req)
}
