// Package rpc dispatches inbound requests to typed handlers and guarantees that every request
// receives exactly one terminal frame.
package rpc

import (
	"context"
	"fmt"
	"slices"

	"github.com/morezero/remote-server/pkg/proto"
)

type erasedHandler[S any] func(ctx context.Context, s S, msg Incoming, resp *responseInner) error

// Registry maps message kinds to handlers. It is immutable once built.
type Registry[S any] struct {
	handlers map[proto.Kind]erasedHandler[S]
}

// Builder collects handlers for a Registry.
type Builder[S any] struct {
	handlers map[proto.Kind]erasedHandler[S]
}

// NewBuilder starts an empty registry for server handles of type S.
func NewBuilder[S any]() *Builder[S] {
	return &Builder[S]{handlers: make(map[proto.Kind]erasedHandler[S])}
}

// Handle registers h for the kind of Req. h can only answer with Req's declared response type;
// a mismatched pairing does not compile. Registering a kind twice panics.
func Handle[S any, Req proto.RequestMessage[Resp], Resp proto.Payload](b *Builder[S], h func(s S, ctx context.Context, req Req, resp Response[Resp]) error) {
	var zero Req
	kind := zero.Kind()
	if _, exists := b.handlers[kind]; exists {
		panic(fmt.Sprintf("rpc: duplicate handler for %s", kind))
	}
	b.handlers[kind] = func(ctx context.Context, s S, msg Incoming, inner *responseInner) error {
		req, ok := msg.payload.(Req)
		if !ok {
			// The lookup key is Req's own kind, so this is a registry bug.
			panic(fmt.Sprintf("rpc: handler for %s received %T", kind, msg.payload))
		}
		return h(s, ctx, req, Response[Resp]{inner: inner})
	}
}

// Build freezes the collected handlers into a Registry. The builder may keep being used; later
// registrations do not affect registries already built.
func (b *Builder[S]) Build() *Registry[S] {
	handlers := make(map[proto.Kind]erasedHandler[S], len(b.handlers))
	for k, h := range b.handlers {
		handlers[k] = h
	}
	return &Registry[S]{handlers: handlers}
}

func (r *Registry[S]) lookup(kind proto.Kind) (erasedHandler[S], bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Handles reports whether a handler is registered for kind.
func (r *Registry[S]) Handles(kind proto.Kind) bool {
	_, ok := r.handlers[kind]
	return ok
}

// Kinds lists the registered kinds in ascending order.
func (r *Registry[S]) Kinds() []proto.Kind {
	kinds := make([]proto.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
