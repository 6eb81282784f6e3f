package server

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frobware/go-ebpfpolicy/bpfmap"
	"github.com/frobware/go-ebpfpolicy/security"
	"github.com/frobware/go-ebpfpolicy/server/api"
	"github.com/frobware/go-ebpfpolicy/store"
)

// Server implements the policy gRPC service on top of an Engine.
type Server struct {
	engine    *Engine
	logger    *slog.Logger
	opCounter atomic.Uint64
}

var _ api.PolicyServiceServer = (*Server)(nil)

// New returns a gRPC service backed by engine.
func New(engine *Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, logger: logger.With("component", "server")}
}

// NewGRPCServer returns a grpc.Server with the service registered and
// the logging interceptor installed.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.UnaryInterceptor(s.loggingInterceptor())}, opts...)
	gs := grpc.NewServer(opts...)
	api.RegisterPolicyServiceServer(gs, s)
	return gs
}

func decode(in *structpb.Struct, v any) error {
	if err := api.FromStruct(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	out, err := api.ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) request(in api.ValidateRequest) (Request, error) {
	ft, err := security.ParseFilterType(in.FilterType)
	if err != nil {
		return Request{}, status.Error(codes.InvalidArgument, err.Error())
	}
	mode := security.ModeStrict
	if in.Mode != "" {
		if mode, err = security.ParseValidationMode(in.Mode); err != nil {
			return Request{}, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	req, err := ParseRequest(ft, mode, []byte(in.Document), in.Format)
	if err != nil {
		return Request{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return req, nil
}

// Validate checks a document without activating it.
func (s *Server) Validate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var r api.ValidateRequest
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	req, err := s.request(r)
	if err != nil {
		return nil, err
	}
	out := s.engine.Validate(ctx, req)
	resp := api.ValidateResponse{
		Valid:    out.Accepted(),
		Findings: store.RecordFindings(out.Findings),
	}
	if out.Options != nil {
		resp.Policy = out.Options
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return encode(resp)
}

// Activate validates a document and publishes it when valid.
func (s *Server) Activate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var r api.ActivateRequest
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	req, err := s.request(r.ValidateRequest)
	if err != nil {
		return nil, err
	}
	req.Identity = r.Identity
	req.Source = r.Source
	if req.Source == "" {
		req.Source = SourceGRPC
	}

	out, err := s.engine.Activate(ctx, req)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	resp := api.ActivateResponse{
		Accepted:     out.Accepted(),
		ActivationID: out.ActivationID.String(),
		Findings:     store.RecordFindings(out.Findings),
	}
	if out.Policy != nil {
		resp.Generation = out.Policy.Generation
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return encode(resp)
}

// GetPolicy returns the published policy for a filter type.
func (s *Server) GetPolicy(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var r api.GetPolicyRequest
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	ft, err := security.ParseFilterType(r.FilterType)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	p := s.engine.Registry().Policy(ft)
	if p == nil {
		return nil, status.Errorf(codes.NotFound, "no %s policy is active", ft)
	}
	rendering, err := bpfmap.Render(p.Options)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encode(api.PolicyResponse{
		ID:          p.ID.String(),
		Generation:  p.Generation,
		FilterType:  ft.String(),
		Mode:        p.Mode.String(),
		Identity:    p.Identity,
		ActivatedAt: p.ActivatedAt,
		Rules:       p.Options.Len(),
		MapEntries:  rendering.Entries(),
		Policy:      p.Options,
	})
}

// ListActivations returns the activation history, newest first.
func (s *Server) ListActivations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var r api.ListActivationsRequest
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	opts := store.ListOptions{
		Kind:         store.Kind(r.Kind),
		AcceptedOnly: r.AcceptedOnly,
		Limit:        r.Limit,
	}
	switch opts.Kind {
	case "", store.KindPolicy, store.KindAdmin:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown activation kind %q", r.Kind)
	}
	if r.FilterType != "" {
		ft, err := security.ParseFilterType(r.FilterType)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		opts.FilterType = ft
	}
	if opts.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must not be negative")
	}

	list, err := s.engine.Store().List(ctx, opts)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if list == nil {
		list = []store.Activation{}
	}
	return encode(api.ListActivationsResponse{Activations: list})
}

// GetActivation returns one activation, including its document.
func (s *Server) GetActivation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var r api.GetActivationRequest
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	id, err := activationID(r.ID)
	if err != nil {
		return nil, err
	}
	a, err := s.engine.Store().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "activation %s not found", id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encode(api.ActivationResponse{Activation: a, Document: string(a.Document)})
}

// GetAdminConfig returns the admin configuration in effect.
func (s *Server) GetAdminConfig(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	a := s.engine.Registry().Admin()
	if a == nil {
		return nil, status.Error(codes.NotFound, "no admin config has been loaded")
	}
	return encode(api.AdminConfigResponse{
		Generation:  a.Generation,
		ActivatedAt: a.ActivatedAt,
		Config:      a.Config,
	})
}

// ReloadAdminConfig reloads the admin configuration.
func (s *Server) ReloadAdminConfig(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var r api.ReloadAdminConfigRequest
	if err := decode(in, &r); err != nil {
		return nil, err
	}
	out, err := s.engine.ReloadAdmin(ctx, []byte(r.Document), r.Format)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	resp := api.ReloadAdminConfigResponse{
		AdminConfigResponse: api.AdminConfigResponse{
			Generation:  out.Admin.Generation,
			ActivatedAt: out.Admin.ActivatedAt,
			Config:      out.Admin.Config,
		},
		ActivationID: out.ActivationID.String(),
	}
	for _, p := range out.Problems {
		resp.Problems = append(resp.Problems, p.Error())
	}
	return encode(resp)
}

// loggingInterceptor returns a gRPC unary interceptor that assigns a
// monotonic operation ID to each request and logs errors.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		opID := s.opCounter.Add(1)
		resp, err := handler(ctx, req)
		if err != nil {
			level := slog.LevelError
			if st, ok := status.FromError(err); ok && (st.Code() == codes.InvalidArgument || st.Code() == codes.NotFound) {
				level = slog.LevelDebug
			}
			s.logger.Log(ctx, level, "grpc error", "op_id", opID, "method", info.FullMethod, "error", err)
			return resp, err
		}
		s.logger.DebugContext(ctx, "grpc request", "op_id", opID, "method", info.FullMethod)
		return resp, nil
	}
}

// activationID parses an activation ID string.
func activationID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return id, nil
}
