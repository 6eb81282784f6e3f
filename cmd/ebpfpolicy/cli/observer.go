package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-ebpfpolicy/schema"
	"github.com/frobware/go-ebpfpolicy/security"
	"github.com/frobware/go-ebpfpolicy/store"
)

// ObserverCmd validates a network observer probe configuration. It
// runs locally and needs neither a daemon nor a runtime directory.
type ObserverCmd struct {
	OutputFlags
	Format string       `name:"format" help:"Document format: json or yaml. Defaults to the file extension, then content detection."`
	File   DocumentPath `arg:"" help:"Observer document with a \"ProbeConfig\" map, or - for stdin."`
}

// Run executes the observer command.
func (c *ObserverCmd) Run(cli *CLI, _ context.Context) error {
	data, err := cli.readDocument(c.File)
	if err != nil {
		return err
	}
	root, err := schema.ParseFormat(data, c.File.Format(c.Format))
	if err != nil {
		return fmt.Errorf("parse %s: %w", c.File.Path, err)
	}

	opt, findings, err := security.NewObserverNetworkOption(root)
	res := ObserverResult{
		Valid:    err == nil,
		Findings: store.RecordFindings(findings),
	}
	if err == nil {
		res.Option = &opt
	}

	output, ferr := FormatObserver(res, &c.OutputFlags)
	if ferr != nil {
		return ferr
	}
	if err := cli.PrintOut(output); err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("observer configuration is invalid: %w", err)
	}
	return nil
}
