// Package middleware
package middleware

import "net/http"

type Middleware func(http.Handler) http.Handler

// Chain applies middleware in registration order.
type Chain struct {
	stack []Middleware
}

func New() *Chain {
	return &Chain{}
}

func (c *Chain) Use(mw Middleware) {
	c.stack = append(c.stack, mw)
}

func (c *Chain) Then(h http.Handler) http.Handler {
	for i := len(c.stack) - 1; i >= 0; i-- {
		h = c.stack[i](h)
	}
	return h
}

// Apply is Then for a whole mux.
func (c *Chain) Apply(h http.Handler) http.Handler {
	return c.Then(h)
}
