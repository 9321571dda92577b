package context

import (
	"context"

	"github.com/jdziat/sniper/pkg/provider"
)

// IdentityKey is the context key of the caller identity.
type IdentityKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id provider.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey{}, id)
}

// GetIdentity returns the identity stored in ctx.
func GetIdentity(ctx context.Context) (provider.Identity, bool) {
	id, ok := ctx.Value(IdentityKey{}).(provider.Identity)
	return id, ok
}
