package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/frobware/go-ebpfpolicy/server/api"
)

// ActivateCmd validates a policy document and, if valid, makes it the
// active policy for its filter type.
type ActivateCmd struct {
	OutputFlags
	PolicyFlags
	IdentityFlags
	Source string       `name:"source" help:"Label recorded in the activation history. Defaults to the document path."`
	File   DocumentPath `arg:"" help:"Policy document (JSON or YAML), or - for stdin."`
}

// Run executes the activate command.
func (c *ActivateCmd) Run(cli *CLI, ctx context.Context) error {
	data, err := cli.readDocument(c.File)
	if err != nil {
		return err
	}

	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	resp, err := b.Activate(ctx, api.ActivateRequest{
		ValidateRequest: c.request(c.File, data),
		Identity:        c.identity(c.Type, c.File),
		Source:          c.source(),
	})
	if err != nil {
		return err
	}

	output, err := FormatActivation(resp, &c.OutputFlags)
	if err != nil {
		return err
	}
	if err := cli.PrintOut(output); err != nil {
		return err
	}
	if !resp.Accepted {
		return errInvalidPolicy
	}
	return nil
}

func (c *ActivateCmd) source() string {
	switch {
	case c.Source != "":
		return c.Source
	case c.File.IsStdin():
		return "stdin"
	}
	if abs, err := filepath.Abs(c.File.Path); err == nil {
		return abs
	}
	return c.File.Path
}
