package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-ebpfpolicy/client"
	"github.com/frobware/go-ebpfpolicy/security"
	"github.com/frobware/go-ebpfpolicy/server/api"
)

// HistoryCmd inspects the activation history.
type HistoryCmd struct {
	List HistoryListCmd `cmd:"" default:"withargs" help:"List activations, newest first."`
	Get  HistoryGetCmd  `cmd:"" help:"Show one activation."`
}

// HistoryListCmd lists activations.
type HistoryListCmd struct {
	OutputFlags
	Kind     string               `name:"kind" help:"Activation kind: all, policy or admin." enum:"all,policy,admin" default:"all"`
	Type     *security.FilterType `name:"type" short:"t" help:"Only policy activations of this filter type."`
	Accepted bool                 `name:"accepted" help:"Only accepted activations."`
	Limit    int                  `name:"limit" short:"n" help:"Maximum number of activations to show; 0 shows all." default:"20"`
}

// Run executes the history list command.
func (c *HistoryListCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	req := api.ListActivationsRequest{
		AcceptedOnly: c.Accepted,
		Limit:        c.Limit,
	}
	if c.Kind != "all" {
		req.Kind = c.Kind
	}
	if c.Type != nil {
		req.FilterType = c.Type.String()
	}

	list, err := b.ListActivations(ctx, req)
	if err != nil {
		return err
	}

	if len(list) == 0 && c.Format() == OutputFormatTable {
		return cli.PrintOut("No activations found\n")
	}

	output, err := FormatActivationList(list, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// HistoryGetCmd shows one activation.
type HistoryGetCmd struct {
	OutputFlags
	Document bool         `name:"document" short:"d" help:"Include the loaded document in table output."`
	ID       ActivationID `arg:"" help:"Activation ID."`
}

// Run executes the history get command.
func (c *HistoryGetCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	resp, err := b.GetActivation(ctx, c.ID.Value.String())
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("activation %s not found", c.ID.Value)
	}
	if err != nil {
		return err
	}

	output, err := FormatActivationDetail(resp, &c.OutputFlags, c.Document)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}
