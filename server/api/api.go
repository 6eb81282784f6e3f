// Package api defines the ebpfpolicy gRPC service.
//
// Messages travel as google.protobuf.Struct so that the service needs
// no generated code. Each method has a typed request and response in
// this package; ToStruct and FromStruct convert between the two forms
// through their JSON encoding.
package api

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/ebpfconfig"
	"github.com/frobware/go-ebpfpolicy/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ebpfpolicy.v1.PolicyService"

// Full method names.
const (
	MethodValidate          = "/" + ServiceName + "/Validate"
	MethodActivate          = "/" + ServiceName + "/Activate"
	MethodGetPolicy         = "/" + ServiceName + "/GetPolicy"
	MethodListActivations   = "/" + ServiceName + "/ListActivations"
	MethodGetActivation     = "/" + ServiceName + "/GetActivation"
	MethodGetAdminConfig    = "/" + ServiceName + "/GetAdminConfig"
	MethodReloadAdminConfig = "/" + ServiceName + "/ReloadAdminConfig"
)

// ValidateRequest asks for a policy document to be checked without
// activating it. FilterType is FILE, PROCESS or NETWORK. Mode defaults
// to strict. Format is "json" or "yaml"; empty means detect.
type ValidateRequest struct {
	FilterType string `json:"filter_type"`
	Mode       string `json:"mode,omitempty"`
	Format     string `json:"format,omitempty"`
	Document   string `json:"document"`
}

// ValidateResponse carries the findings and, when valid, the
// normalised policy. Error says why an invalid document was rejected.
type ValidateResponse struct {
	Valid    bool                  `json:"valid"`
	Findings []store.FindingRecord `json:"findings"`
	Error    string                `json:"error,omitempty"`
	Policy   any                   `json:"policy,omitempty"`
}

// ActivateRequest validates a document and, if valid, publishes it.
type ActivateRequest struct {
	ValidateRequest
	Identity diag.Identity `json:"identity"`
	// Source labels the history record; defaults to "grpc".
	Source string `json:"source,omitempty"`
}

// ActivateResponse reports the outcome. A rejected document is not a
// gRPC error: Accepted is false and Findings say why.
type ActivateResponse struct {
	Accepted     bool                  `json:"accepted"`
	ActivationID string                `json:"activation_id"`
	Generation   uint64                `json:"generation,omitempty"`
	Findings     []store.FindingRecord `json:"findings"`
	Error        string                `json:"error,omitempty"`
}

// GetPolicyRequest names the filter type to fetch.
type GetPolicyRequest struct {
	FilterType string `json:"filter_type"`
}

// PolicyResponse describes a published policy snapshot.
type PolicyResponse struct {
	ID          string        `json:"id"`
	Generation  uint64        `json:"generation"`
	FilterType  string        `json:"filter_type"`
	Mode        string        `json:"mode"`
	Identity    diag.Identity `json:"identity"`
	ActivatedAt time.Time     `json:"activated_at"`
	Rules       int           `json:"rules"`
	MapEntries  int           `json:"map_entries"`
	Policy      any           `json:"policy"`
}

// ListActivationsRequest filters the activation history.
type ListActivationsRequest struct {
	Kind         string `json:"kind,omitempty"`
	FilterType   string `json:"filter_type,omitempty"`
	AcceptedOnly bool   `json:"accepted_only,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// ListActivationsResponse lists activations newest first.
type ListActivationsResponse struct {
	Activations []store.Activation `json:"activations"`
}

// GetActivationRequest names one activation.
type GetActivationRequest struct {
	ID string `json:"id"`
}

// ActivationResponse is one activation with the document it loaded.
type ActivationResponse struct {
	store.Activation
	Document string `json:"document"`
}

// AdminConfigResponse is the current admin configuration.
type AdminConfigResponse struct {
	Generation  uint64            `json:"generation"`
	ActivatedAt time.Time         `json:"activated_at"`
	Config      ebpfconfig.Config `json:"config"`
}

// ReloadAdminConfigRequest reloads the admin configuration. With an
// empty Document the daemon rereads its configured sources.
type ReloadAdminConfigRequest struct {
	Document string `json:"document,omitempty"`
	Format   string `json:"format,omitempty"`
}

// ReloadAdminConfigResponse is the configuration now in effect plus any
// load problems. Problems do not prevent the reload.
type ReloadAdminConfigResponse struct {
	AdminConfigResponse
	ActivationID string   `json:"activation_id"`
	Problems     []string `json:"problems,omitempty"`
}

// ToStruct converts v to a Struct via its JSON encoding.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// FromStruct decodes s into v via its JSON encoding. A nil s leaves v
// untouched.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// PolicyServiceServer is the server API.
type PolicyServiceServer interface {
	Validate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Activate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListActivations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetActivation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAdminConfig(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ReloadAdminConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPolicyServiceServer registers srv with s.
func RegisterPolicyServiceServer(s grpc.ServiceRegistrar, srv PolicyServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func structHandler(method string, call func(PolicyServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PolicyServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PolicyServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func getAdminConfigHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PolicyServiceServer).GetAdminConfig(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetAdminConfig}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PolicyServiceServer).GetAdminConfig(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the grpc.ServiceDesc for PolicyService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PolicyServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Validate", Handler: structHandler(MethodValidate, PolicyServiceServer.Validate)},
		{MethodName: "Activate", Handler: structHandler(MethodActivate, PolicyServiceServer.Activate)},
		{MethodName: "GetPolicy", Handler: structHandler(MethodGetPolicy, PolicyServiceServer.GetPolicy)},
		{MethodName: "ListActivations", Handler: structHandler(MethodListActivations, PolicyServiceServer.ListActivations)},
		{MethodName: "GetActivation", Handler: structHandler(MethodGetActivation, PolicyServiceServer.GetActivation)},
		{MethodName: "GetAdminConfig", Handler: getAdminConfigHandler},
		{MethodName: "ReloadAdminConfig", Handler: structHandler(MethodReloadAdminConfig, PolicyServiceServer.ReloadAdminConfig)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ebpfpolicy/v1/policy.proto",
}

// PolicyServiceClient is the client API.
type PolicyServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewPolicyServiceClient returns a client over cc.
func NewPolicyServiceClient(cc grpc.ClientConnInterface) *PolicyServiceClient {
	return &PolicyServiceClient{cc: cc}
}

func (c *PolicyServiceClient) invoke(ctx context.Context, method string, in any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PolicyServiceClient) Validate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodValidate, in, opts...)
}

func (c *PolicyServiceClient) Activate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodActivate, in, opts...)
}

func (c *PolicyServiceClient) GetPolicy(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetPolicy, in, opts...)
}

func (c *PolicyServiceClient) ListActivations(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodListActivations, in, opts...)
}

func (c *PolicyServiceClient) GetActivation(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetActivation, in, opts...)
}

func (c *PolicyServiceClient) GetAdminConfig(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetAdminConfig, in, opts...)
}

func (c *PolicyServiceClient) ReloadAdminConfig(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodReloadAdminConfig, in, opts...)
}
