package interceptors

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"iam-workflow/backend/internal/audit"
)

// AuditUnary returns a unary server interceptor that records an audit event after each
// authenticated RPC. Anonymous workflow RPCs are audited per step by the workflow service.
// skipMethods is the set of full method names to not audit (e.g. the health check).
// Logging is best-effort and never fails the RPC. A nil logger disables the interceptor.
func AuditUnary(logger audit.AuditLogger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if logger == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		tenantID, _ := GetTenantID(ctx)
		if tenantID == "" {
			return resp, err
		}
		userID, _ := GetUserID(ctx)
		ar := audit.ParseFullMethod(info.FullMethod)
		logger.LogEvent(ctx, tenantID, userID, ar.Action, ar.Resource, "status="+status.Code(err).String())
		return resp, err
	}
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
