// Package client provides access to the ebpfpolicy policy service.
//
// Use Dial to connect to a running daemon:
//
//	c, err := client.Dial(client.DefaultSocketPath())
//	c, err := client.Dial("localhost:50051")
//
// Use Open to work offline against a state directory:
//
//	c, err := client.Open(ctx)
//	c, err := client.Open(ctx, client.WithRuntimeDir("/tmp/ebpfpolicy"))
//
// Both return a Client that can be used identically. An offline client
// records activations in the same history the daemon restores from,
// but does not change what a running daemon has published.
package client

import (
	"context"
	"errors"
	"io"

	"github.com/frobware/go-ebpfpolicy/server/api"
	"github.com/frobware/go-ebpfpolicy/store"
)

// ErrNotFound is returned when the requested policy, activation or admin
// configuration does not exist.
var ErrNotFound = errors.New("not found")

// Client is a transport-agnostic interface to the policy service.
// Commands use this interface and remain unaware of whether they are
// operating locally or remotely.
type Client interface {
	io.Closer

	// Policy operations
	Validate(ctx context.Context, req api.ValidateRequest) (api.ValidateResponse, error)
	Activate(ctx context.Context, req api.ActivateRequest) (api.ActivateResponse, error)
	GetPolicy(ctx context.Context, filterType string) (api.PolicyResponse, error)

	// History
	ListActivations(ctx context.Context, req api.ListActivationsRequest) ([]store.Activation, error)
	GetActivation(ctx context.Context, id string) (api.ActivationResponse, error)

	// Admin configuration
	GetAdminConfig(ctx context.Context) (api.AdminConfigResponse, error)
	ReloadAdminConfig(ctx context.Context, req api.ReloadAdminConfigRequest) (api.ReloadAdminConfigResponse, error)
}
