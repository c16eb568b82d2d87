// Package auth carries verified caller identity across call boundaries.
//
// Identity is established once at the system edge by verifying a bearer
// credential. From there it flows through context for transport plumbing,
// and every entity operation additionally receives the caller as an
// explicit argument so authorization checks never depend on ambient state.
package auth

import "context"

// Identity is a verified caller identity.
type Identity struct {
	Subject string
	Email   string
}

// IsZero reports whether no identity was presented.
func (i Identity) IsZero() bool {
	return i.Subject == ""
}

// identityContextKey is the context key for the verified caller identity.
type identityContextKey struct{}

// WithIdentity stores a verified identity in context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the identity stored in context, if any.
func IdentityFromContext(ctx context.Context) Identity {
	if ctx == nil {
		return Identity{}
	}
	value, _ := ctx.Value(identityContextKey{}).(Identity)
	return value
}
