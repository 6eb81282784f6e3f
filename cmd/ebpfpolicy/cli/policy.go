package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-ebpfpolicy/client"
	"github.com/frobware/go-ebpfpolicy/security"
)

// PolicyCmd shows the active policy for a filter type.
type PolicyCmd struct {
	OutputFlags
	Type security.FilterType `arg:"" help:"Filter type: file, process or network."`
}

// Run executes the policy command.
func (c *PolicyCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	resp, err := b.GetPolicy(ctx, c.Type.String())
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("no active %s policy", c.Type)
	}
	if err != nil {
		return err
	}

	output, err := FormatPolicy(resp, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}
