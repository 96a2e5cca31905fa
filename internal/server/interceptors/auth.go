package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"iam-workflow/backend/internal/security"
)

const bearerPrefix = "bearer "

// PortalValidator validates portal tokens; *security.TokenProvider implements it.
type PortalValidator interface {
	ValidatePortal(token string) (*security.PortalClaims, error)
}

// AuthUnary returns a unary server interceptor that validates the Bearer portal token from gRPC
// metadata and attaches the resulting Caller to the context. Workflow RPCs are anonymous;
// only methods in protectedMethods (full method names, e.g. UnlockUser) require a valid token.
// An invalid token on an anonymous method is ignored.
func AuthUnary(tokens PortalValidator, protectedMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		protected := protectedMethods[info.FullMethod]
		token := extractBearer(ctx)
		if token == "" || tokens == nil {
			if !protected {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		claims, err := tokens.ValidatePortal(token)
		if err != nil {
			if !protected {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		ctx = WithCaller(ctx, CallerFromClaims(claims))
		return handler(ctx, req)
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
