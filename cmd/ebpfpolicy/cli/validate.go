package cli

import (
	"context"
	"errors"
	"fmt"
)

// errInvalidPolicy is returned after the findings of an invalid or
// rejected document have been printed.
var errInvalidPolicy = errors.New("policy document is invalid")

// ValidateCmd validates a policy document without activating it.
type ValidateCmd struct {
	OutputFlags
	PolicyFlags
	File DocumentPath `arg:"" help:"Policy document (JSON or YAML), or - for stdin."`
}

// Run executes the validate command.
func (c *ValidateCmd) Run(cli *CLI, ctx context.Context) error {
	data, err := cli.readDocument(c.File)
	if err != nil {
		return err
	}

	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	resp, err := b.Validate(ctx, c.request(c.File, data))
	if err != nil {
		return err
	}

	output, err := FormatValidation(resp, &c.OutputFlags)
	if err != nil {
		return err
	}
	if err := cli.PrintOut(output); err != nil {
		return err
	}
	if !resp.Valid {
		return errInvalidPolicy
	}
	return nil
}
