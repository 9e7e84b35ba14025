// Package server exposes the gateway over gRPC (service nova.v1.Gateway,
// JSON-encoded messages).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/novagate/internal/api"
	"github.com/ppiankov/novagate/internal/audit"
	"github.com/ppiankov/novagate/internal/model"
)

// Server implements GatewayServer.
type Server struct {
	eval   api.Evaluator
	log    *audit.Log
	auth   *api.Authenticator
	logger *slog.Logger

	grpcServer *grpc.Server
}

// New registers the Gateway service on a fresh grpc.Server. auth may be nil,
// in which case Freeze is refused.
func New(eval api.Evaluator, log *audit.Log, auth *api.Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{eval: eval, log: log, auth: auth, logger: logger}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logCalls))
	s.grpcServer.RegisterService(&ServiceDesc, s)
	return s
}

// Serve listens on addr. Blocks until stopped.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.grpcServer.Serve(lis)
}

// ServeOn serves on an existing listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop drains in-flight calls and stops.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

func (s *Server) Evaluate(ctx context.Context, req *EvaluateRequest) (*model.DecisionRecord, error) {
	if strings.TrimSpace(req.Prompt) == "" || req.PolicyID == "" {
		return nil, status.Error(codes.InvalidArgument, "prompt and policy_id are required")
	}
	rec, err := s.eval.Evaluate(ctx, req.Prompt, req.PolicyID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rec, nil
}

func (s *Server) Query(ctx context.Context, req *audit.QueryParams) (*audit.QueryResult, error) {
	if _, _, err := req.Parse(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := req.Run(ctx, s.log)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) VerifyIntegrity(ctx context.Context, req *VerifyRequest) (*audit.VerifyResult, error) {
	res, err := s.log.VerifyIntegrity(ctx, req.FromID, req.ToID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) Freeze(ctx context.Context, req *FreezeRequest) (*model.DecisionRecord, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if req.ID < 1 {
		return nil, status.Error(codes.InvalidArgument, "id must be positive")
	}
	rec, err := s.log.Freeze(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rec, nil
}

func (s *Server) requireAdmin(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	_, err := s.auth.AuthorizeAdmin(header)
	switch {
	case errors.Is(err, api.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case err != nil:
		return status.Error(codes.Unauthenticated, err.Error())
	}
	return nil
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.WarnContext(ctx, "grpc call failed", "method", info.FullMethod, "code", status.Code(err), "error", err)
	} else {
		s.logger.DebugContext(ctx, "grpc call", "method", info.FullMethod)
	}
	return resp, err
}

// toStatus maps the error taxonomy onto gRPC codes. Upstream and storage
// details are not sent to the caller.
func toStatus(err error) error {
	switch {
	case errors.Is(err, model.ErrPolicyNotFound), errors.Is(err, model.ErrRecordNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrPolicyDisabled), errors.Is(err, model.ErrVersionConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, model.ErrInvalidPolicy):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrProviderUnavailable),
		errors.Is(err, model.ErrClassifierTimeout),
		errors.Is(err, model.ErrClassifierError):
		return status.Error(codes.Unavailable, model.UserMessage)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, model.UserMessage)
	}
}
