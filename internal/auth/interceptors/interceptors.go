// Package interceptors propagates and enforces caller identity around
// entity dispatch.
//
// Two interceptors cooperate: the outbound interceptor stamps the verified
// identity onto every call it dispatches, and the inbound interceptor runs
// immediately before an entity operation executes and rejects calls that
// carry no identity, unless the method is on an explicit allow-list.
// Entity operations still perform their own finer-grained checks; the
// inbound interceptor only proves some identity was presented.
package interceptors

import (
	"context"

	"github.com/quietpost/quietpost/internal/auth"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
)

// Handler executes the target operation once interception completes.
type Handler func(ctx context.Context) (any, error)

// Unary intercepts one in-process entity call.
type Unary func(ctx context.Context, fullMethod string, handler Handler) (any, error)

// Chain composes interceptors so the first one listed runs outermost.
func Chain(interceptors ...Unary) Unary {
	return func(ctx context.Context, fullMethod string, handler Handler) (any, error) {
		wrapped := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := wrapped
			wrapped = func(ctx context.Context) (any, error) {
				return interceptor(ctx, fullMethod, next)
			}
		}
		return wrapped(ctx)
	}
}

// Outbound returns the interceptor that attaches the verified caller
// identity to every dispatched call.
func Outbound(identity auth.Identity) Unary {
	return func(ctx context.Context, fullMethod string, handler Handler) (any, error) {
		return handler(auth.WithIdentity(ctx, identity))
	}
}

// Inbound returns the interceptor that rejects calls lacking identity.
// Methods in allowList are exempt.
func Inbound(allowList map[string]struct{}) Unary {
	return func(ctx context.Context, fullMethod string, handler Handler) (any, error) {
		if _, allowed := allowList[fullMethod]; allowed {
			return handler(ctx)
		}
		if auth.IdentityFromContext(ctx).IsZero() {
			return nil, apperrors.WithMetadata(
				apperrors.CodeIdentityMissing,
				"caller identity is required",
				map[string]string{"method": fullMethod},
			)
		}
		return handler(ctx)
	}
}
