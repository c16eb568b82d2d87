package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/quietpost/quietpost/internal/auth"
	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
)

// AuthorizationHeader is the gRPC metadata key carrying a bearer token.
const AuthorizationHeader = "authorization"

// SubjectHeader is the gRPC metadata key for the verified caller subject.
const SubjectHeader = "x-quietpost-subject"

// EmailHeader is the gRPC metadata key for the verified caller email.
const EmailHeader = "x-quietpost-email"

// WithIdentityMetadata returns a context carrying identity as outgoing
// gRPC metadata when the identity is non-zero.
func WithIdentityMetadata(ctx context.Context, identity auth.Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if identity.IsZero() {
		return ctx
	}
	pairs := []string{SubjectHeader, identity.Subject}
	if identity.Email != "" {
		pairs = append(pairs, EmailHeader, identity.Email)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// IdentityFromIncomingMetadata extracts a caller identity from incoming
// gRPC metadata.
func IdentityFromIncomingMetadata(ctx context.Context) auth.Identity {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return auth.Identity{}
	}
	return auth.Identity{
		Subject: firstValue(md, SubjectHeader),
		Email:   firstValue(md, EmailHeader),
	}
}

// UnaryClientInterceptor copies the ambient identity onto each outgoing
// call as gRPC metadata. This is the outbound half for cross-process hops.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req any,
		reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		ctx = WithIdentityMetadata(ctx, auth.IdentityFromContext(ctx))
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// UnaryBearerInterceptor verifies a bearer token from incoming metadata
// and establishes the caller identity from its claims. Calls without a
// token pass through anonymous; whether anonymity is acceptable is
// decided downstream per method.
func UnaryBearerInterceptor(cfg auth.VerifierConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			raw := firstValue(md, AuthorizationHeader)
			if token, found := strings.CutPrefix(raw, "Bearer "); found {
				identity, err := auth.VerifyBearer(token, cfg)
				if err != nil {
					return nil, apperrors.HandleError(err)
				}
				ctx = auth.WithIdentity(ctx, identity)
			}
		}
		return handler(ctx, req)
	}
}

// UnaryServerInterceptor enforces that a caller identity was established
// before any handler runs. Methods in allowList are exempt; all other
// calls without identity are rejected. An identity already placed in
// context by an earlier interceptor wins over identity metadata.
func UnaryServerInterceptor(allowList map[string]struct{}) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if identity := auth.IdentityFromContext(ctx); !identity.IsZero() {
			return handler(ctx, req)
		}
		identity := IdentityFromIncomingMetadata(ctx)
		if !identity.IsZero() {
			return handler(auth.WithIdentity(ctx, identity), req)
		}
		if _, allowed := allowList[info.FullMethod]; allowed {
			return handler(ctx, req)
		}
		err := apperrors.WithMetadata(
			apperrors.CodeIdentityMissing,
			"caller identity is required",
			map[string]string{"method": info.FullMethod},
		)
		return nil, apperrors.HandleError(err)
	}
}

// firstValue returns the first trimmed metadata value for key.
func firstValue(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
