// Package routes declares HTTP routes as data and registers them on a
// net/http ServeMux using method-qualified patterns.
package routes

import "net/http"

// Route binds a method and a path pattern, relative to its group, to a handler.
type Route struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
}

// Get declares a GET route.
func Get(pattern string, h http.HandlerFunc) Route {
	return Route{Method: http.MethodGet, Pattern: pattern, Handler: h}
}

// Post declares a POST route.
func Post(pattern string, h http.HandlerFunc) Route {
	return Route{Method: http.MethodPost, Pattern: pattern, Handler: h}
}
