// Package middleware provides the HTTP middleware applied to API modules:
// request logging, panic recovery and CORS.
package middleware

import (
	"net/http"
	"slices"
)

// Func wraps an http.Handler.
type Func func(http.Handler) http.Handler

// Stack is an ordered middleware list. The first entry runs outermost.
type Stack []Func

// Use appends fns to the stack.
func (s *Stack) Use(fns ...Func) {
	*s = append(*s, fns...)
}

// Then wraps h with every middleware in the stack.
func (s Stack) Then(h http.Handler) http.Handler {
	for _, fn := range slices.Backward(s) {
		h = fn(h)
	}
	return h
}
