package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frobware/go-ebpfpolicy/server/api"
	"github.com/frobware/go-ebpfpolicy/store"
)

// remoteClient translates between the typed api messages and the
// Struct-encoded gRPC service.
type remoteClient struct {
	client *api.PolicyServiceClient
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// newRemote creates a Client connected to the specified address.
func newRemote(address string, logger *slog.Logger) (*remoteClient, error) {
	target := parseAddress(address)

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}

	return &remoteClient{
		client: api.NewPolicyServiceClient(conn),
		conn:   conn,
		logger: logger,
	}, nil
}

// NewFromConn returns a Client over an existing connection. Closing the
// client does not close cc.
func NewFromConn(cc grpc.ClientConnInterface) Client {
	return &remoteClient{client: api.NewPolicyServiceClient(cc), logger: discardLogger()}
}

// parseAddress normalises an address for gRPC.
// Handles Unix socket paths (unix:// prefix or absolute paths starting with /)
// and TCP addresses (host:port).
func parseAddress(address string) string {
	if strings.HasPrefix(address, "unix://") {
		return address
	}
	if strings.HasPrefix(address, "/") {
		return "unix://" + address
	}
	return address
}

// Close releases the gRPC connection.
func (c *remoteClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// convertError maps NotFound to ErrNotFound and strips the status
// wrapper from other errors, keeping the code in the message.
func convertError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.NotFound {
		return fmt.Errorf("%s: %w", st.Message(), ErrNotFound)
	}
	return fmt.Errorf("%s: %s", st.Code(), st.Message())
}

type callFunc func(context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error)

func call[Resp any](ctx context.Context, fn callFunc, req any) (Resp, error) {
	var resp Resp
	in, err := api.ToStruct(req)
	if err != nil {
		return resp, err
	}
	out, err := fn(ctx, in)
	if err != nil {
		return resp, convertError(err)
	}
	if err := api.FromStruct(out, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Validate checks a policy document without activating it.
func (c *remoteClient) Validate(ctx context.Context, req api.ValidateRequest) (api.ValidateResponse, error) {
	return call[api.ValidateResponse](ctx, c.client.Validate, req)
}

// Activate validates and publishes a policy document.
func (c *remoteClient) Activate(ctx context.Context, req api.ActivateRequest) (api.ActivateResponse, error) {
	c.logger.DebugContext(ctx, "activate", "filter_type", req.FilterType, "source", req.Source)
	return call[api.ActivateResponse](ctx, c.client.Activate, req)
}

// GetPolicy returns the published policy for filterType.
func (c *remoteClient) GetPolicy(ctx context.Context, filterType string) (api.PolicyResponse, error) {
	return call[api.PolicyResponse](ctx, c.client.GetPolicy, api.GetPolicyRequest{FilterType: filterType})
}

// ListActivations returns the activation history, newest first.
func (c *remoteClient) ListActivations(ctx context.Context, req api.ListActivationsRequest) ([]store.Activation, error) {
	resp, err := call[api.ListActivationsResponse](ctx, c.client.ListActivations, req)
	if err != nil {
		return nil, err
	}
	return resp.Activations, nil
}

// GetActivation returns one activation with its document.
func (c *remoteClient) GetActivation(ctx context.Context, id string) (api.ActivationResponse, error) {
	return call[api.ActivationResponse](ctx, c.client.GetActivation, api.GetActivationRequest{ID: id})
}

// GetAdminConfig returns the admin configuration in effect.
func (c *remoteClient) GetAdminConfig(ctx context.Context) (api.AdminConfigResponse, error) {
	var resp api.AdminConfigResponse
	out, err := c.client.GetAdminConfig(ctx, &emptypb.Empty{})
	if err != nil {
		return resp, convertError(err)
	}
	err = api.FromStruct(out, &resp)
	return resp, err
}

// ReloadAdminConfig reloads the admin configuration.
func (c *remoteClient) ReloadAdminConfig(ctx context.Context, req api.ReloadAdminConfigRequest) (api.ReloadAdminConfigResponse, error) {
	return call[api.ReloadAdminConfigResponse](ctx, c.client.ReloadAdminConfig, req)
}
