package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"iam-workflow/backend/internal/audit"
	"iam-workflow/backend/internal/server/interceptors"
	"iam-workflow/backend/internal/workflow/handler"
)

// ProtectedMethods require a valid portal token.
var ProtectedMethods = map[string]bool{
	"/" + handler.ServiceName + "/UnlockUser": true,
}

// SkipAuditMethods are never written to the audit trail by the interceptor.
var SkipAuditMethods = map[string]bool{
	"/grpc.health.v1.Health/Check": true,
	"/grpc.health.v1.Health/Watch": true,
}

// Deps holds the dependencies of the gRPC surface.
type Deps struct {
	// Workflow runs the authentication and registration workflows. If nil, workflow RPCs return Unimplemented.
	Workflow handler.Workflow
	// Tokens validates portal tokens for ProtectedMethods. If nil, protected RPCs are rejected.
	Tokens interceptors.PortalValidator
	// Audit records authenticated RPCs. If nil, the audit interceptor is a no-op.
	Audit audit.AuditLogger
	// Logger is used by the handlers; nil means no logging.
	Logger *zap.Logger
}

// NewGRPCServer returns a server with OpenTelemetry instrumentation and the auth and audit
// interceptors installed, and every service registered. The returned health server starts
// out SERVING; drive it with MonitorHealth.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.AuthUnary(deps.Tokens, ProtectedMethods),
			interceptors.AuditUnary(deps.Audit, SkipAuditMethods),
		),
	}, opts...)
	s := grpc.NewServer(opts...)
	return s, RegisterServices(s, deps)
}

// RegisterServices registers the gRPC services with s and returns the health server.
//
// Service → implementation:
//   - iam.workflow.v1.WorkflowService → internal/workflow/handler
//   - grpc.health.v1.Health           → google.golang.org/grpc/health
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) *health.Server {
	handler.Register(s, handler.NewServer(deps.Workflow, deps.Logger))
	hs := health.NewServer()
	hs.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}
