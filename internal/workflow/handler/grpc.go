// Package handler exposes the workflow engine over gRPC as iam.workflow.v1.WorkflowService.
// Messages are google.protobuf.Struct values keyed by snake_case field names.
package handler

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"iam-workflow/backend/internal/server/interceptors"
	"iam-workflow/backend/internal/workflow/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "iam.workflow.v1.WorkflowService"

// Workflow is the engine the server delegates to; *service.WorkflowService implements it.
type Workflow interface {
	Start(ctx context.Context, req service.StartRequest) (service.StepResult, error)
	SelectTenant(ctx context.Context, token, tenantID string) (service.StepResult, error)
	SelectTenantThenRegister(ctx context.Context, token, tenantID string) (service.StepResult, error)
	AuthWithFederatedOidc(ctx context.Context, token string) (service.StepResult, error)
	CompleteFederatedLogin(ctx context.Context, token, authCode string) (service.StepResult, error)
	Register(ctx context.Context, token string, req service.RegisterRequest) (service.StepResult, error)
	EnterPassword(ctx context.Context, token, password string) (service.StepResult, error)
	EnterPasswordAndMigrateUser(ctx context.Context, token, password string) (service.StepResult, error)
	ConfigureTotp(ctx context.Context, token, code string) (service.StepResult, error)
	ValidateTotp(ctx context.Context, token, code string) (service.StepResult, error)
	ConfigureSecurityKey(ctx context.Context, token string, response []byte) (service.StepResult, error)
	ValidateSecurityKey(ctx context.Context, token string, assertion []byte) (service.StepResult, error)
	AcceptTermsAndConditions(ctx context.Context, token string, accepted bool) (service.StepResult, error)
	ConfigureRecoveryEmail(ctx context.Context, token, email string) (service.StepResult, error)
	ConfigureDuressPassword(ctx context.Context, token, password string) (service.StepResult, error)
	RotatePassword(ctx context.Context, token, password string) (service.StepResult, error)
	Cancel(ctx context.Context, token string) (service.StepResult, error)
	UnlockUser(ctx context.Context, userID string) error
}

// Server implements WorkflowService.
type Server struct {
	svc    Workflow
	logger *zap.Logger
}

// NewServer returns a WorkflowService server. If svc is nil every RPC returns Unimplemented.
func NewServer(svc Workflow, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, logger: logger}
}

// Register registers srv on r.
func Register(r grpc.ServiceRegistrar, srv *Server) {
	r.RegisterService(&ServiceDesc, srv)
}

type rpc func(s *Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func method(name string, call rpc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes WorkflowService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		method("Start", (*Server).Start),
		method("SelectTenant", (*Server).SelectTenant),
		method("SelectTenantThenRegister", (*Server).SelectTenantThenRegister),
		method("AuthWithFederatedOidc", (*Server).AuthWithFederatedOidc),
		method("CompleteFederatedLogin", (*Server).CompleteFederatedLogin),
		method("Register", (*Server).Register),
		method("EnterPassword", (*Server).EnterPassword),
		method("EnterPasswordAndMigrateUser", (*Server).EnterPasswordAndMigrateUser),
		method("ConfigureTotp", (*Server).ConfigureTotp),
		method("ValidateTotp", (*Server).ValidateTotp),
		method("ConfigureSecurityKey", (*Server).ConfigureSecurityKey),
		method("ValidateSecurityKey", (*Server).ValidateSecurityKey),
		method("AcceptTermsAndConditions", (*Server).AcceptTermsAndConditions),
		method("ConfigureRecoveryEmail", (*Server).ConfigureRecoveryEmail),
		method("ConfigureDuressPassword", (*Server).ConfigureDuressPassword),
		method("RotatePassword", (*Server).RotatePassword),
		method("Cancel", (*Server).Cancel),
		method("UnlockUser", (*Server).UnlockUser),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "iam/workflow/v1/workflow.proto",
}

// Start begins a login or registration workflow.
func (s *Server) Start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.svc == nil {
		return nil, unimplemented("Start")
	}
	req := service.StartRequest{
		Email:        str(in, "email"),
		PreAuthToken: str(in, "pre_auth_token"),
		DeviceCodeID: str(in, "device_code_id"),
		Registration: boolean(in, "registration"),
		ReturnToURI:  str(in, "return_to_uri"),
	}
	if req.Email == "" {
		return nil, status.Error(codes.InvalidArgument, "email is required")
	}
	return s.respond(s.svc.Start(ctx, req))
}

func (s *Server) SelectTenant(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.stringStep(ctx, in, "SelectTenant", "tenant_id", Workflow.SelectTenant)
}

func (s *Server) SelectTenantThenRegister(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.stringStep(ctx, in, "SelectTenantThenRegister", "tenant_id", Workflow.SelectTenantThenRegister)
}

func (s *Server) AuthWithFederatedOidc(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.svc == nil {
		return nil, unimplemented("AuthWithFederatedOidc")
	}
	token, err := sessionToken(in)
	if err != nil {
		return nil, err
	}
	return s.respond(s.svc.AuthWithFederatedOidc(ctx, token))
}

// CompleteFederatedLogin handles the OIDC callback. The session token is the returned state.
func (s *Server) CompleteFederatedLogin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.svc == nil {
		return nil, unimplemented("CompleteFederatedLogin")
	}
	token := str(in, "state")
	if token == "" {
		token = str(in, "session_token")
	}
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "state is required")
	}
	return s.respond(s.svc.CompleteFederatedLogin(ctx, token, str(in, "code")))
}

// Register collects the registration data. The client IP is forwarded to the captcha check.
func (s *Server) Register(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.svc == nil {
		return nil, unimplemented("Register")
	}
	token, err := sessionToken(in)
	if err != nil {
		return nil, err
	}
	req := service.RegisterRequest{
		Password:     str(in, "password"),
		Name:         str(in, "name"),
		CaptchaToken: str(in, "captcha_token"),
		RemoteIP:     interceptors.ClientIP(ctx),
	}
	return s.respond(s.svc.Register(ctx, token, req))
}

func (s *Server) EnterPassword(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.stringStep(ctx, in, "EnterPassword", "password", Workflow.EnterPassword)
}

func (s *Server) EnterPasswordAndMigrateUser(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.stringStep(ctx, in, "EnterPasswordAndMigrateUser", "password", Workflow.EnterPasswordAndMigrateUser)
}

// ConfigureTotp returns a new secret when code is empty and confirms it otherwise.
func (s *Server) ConfigureTotp(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.stringStep(ctx, in, "ConfigureTotp", "code", Workflow.ConfigureTotp)
}

func (s *Server) ValidateTotp(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.stringStep(ctx, in, "ValidateTotp", "code", Workflow.ValidateTotp)
}

// ConfigureSecurityKey returns creation options when credential is empty and registers the
// key otherwise. credential is the JSON-encoded authenticator response.
func (s *Server) ConfigureSecurityKey(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.bytesStep(ctx, in, "ConfigureSecurityKey", Workflow.ConfigureSecurityKey)
}

// ValidateSecurityKey returns assertion options when credential is empty and verifies the
// assertion otherwise.
func (s *Server) ValidateSecurityKey(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.bytesStep(ctx, in, "ValidateSecurityKey", Workflow.ValidateSecurityKey)
}

func (s *Server) AcceptTermsAndConditions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.svc == nil {
		return nil, unimplemented("AcceptTermsAndConditions")
	}
	token, err := sessionToken(in)
	if err != nil {
		return nil, err
	}
	return s.respond(s.svc.AcceptTermsAndConditions(ctx, token, boolean(in, "accepted")))
}

func (s *Server) ConfigureRecoveryEmail(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.stringStep(ctx, in, "ConfigureRecoveryEmail", "email", Workflow.ConfigureRecoveryEmail)
}

func (s *Server) ConfigureDuressPassword(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.stringStep(ctx, in, "ConfigureDuressPassword", "password", Workflow.ConfigureDuressPassword)
}

func (s *Server) RotatePassword(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.stringStep(ctx, in, "RotatePassword", "password", Workflow.RotatePassword)
}

// Cancel abandons the workflow. Pre-auth flows get an access_denied redirect.
func (s *Server) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.svc == nil {
		return nil, unimplemented("Cancel")
	}
	token, err := sessionToken(in)
	if err != nil {
		return nil, err
	}
	return s.respond(s.svc.Cancel(ctx, token))
}

// UnlockUser clears a user's failure records. Requires an authenticated caller.
func (s *Server) UnlockUser(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.svc == nil {
		return nil, unimplemented("UnlockUser")
	}
	if _, ok := interceptors.GetUserID(ctx); !ok {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	userID := str(in, "user_id")
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	if err := s.svc.UnlockUser(ctx, userID); err != nil {
		return nil, s.toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
}

func (s *Server) stringStep(ctx context.Context, in *structpb.Struct, name, field string, fn func(Workflow, context.Context, string, string) (service.StepResult, error)) (*structpb.Struct, error) {
	if s.svc == nil {
		return nil, unimplemented(name)
	}
	token, err := sessionToken(in)
	if err != nil {
		return nil, err
	}
	return s.respond(fn(s.svc, ctx, token, str(in, field)))
}

func (s *Server) bytesStep(ctx context.Context, in *structpb.Struct, name string, fn func(Workflow, context.Context, string, []byte) (service.StepResult, error)) (*structpb.Struct, error) {
	if s.svc == nil {
		return nil, unimplemented(name)
	}
	token, err := sessionToken(in)
	if err != nil {
		return nil, err
	}
	var payload []byte
	if v := str(in, "credential"); v != "" {
		payload = []byte(v)
	}
	return s.respond(fn(s.svc, ctx, token, payload))
}

func (s *Server) respond(res service.StepResult, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, s.toStatus(err)
	}
	out, err := encodeResult(res)
	if err != nil {
		s.logger.Error("workflow: encode response", zap.Error(err))
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

// toStatus maps collaborator failures to gRPC status without exposing internals.
func (s *Server) toStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrUserNotFound):
		return status.Error(codes.NotFound, "user not found")
	case errors.Is(err, service.ErrSecurityKeysDisabled), errors.Is(err, service.ErrFederationDisabled):
		return status.Error(codes.FailedPrecondition, "step is not available")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	}
	s.logger.Error("workflow: rpc failed", zap.Error(err))
	return status.Error(codes.Internal, "internal error")
}

func unimplemented(name string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", name)
}

func sessionToken(in *structpb.Struct) (string, error) {
	token := str(in, "session_token")
	if token == "" {
		return "", status.Error(codes.InvalidArgument, "session_token is required")
	}
	return token, nil
}
