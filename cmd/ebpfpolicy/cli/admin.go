package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-ebpfpolicy/client"
	"github.com/frobware/go-ebpfpolicy/ebpfconfig"
	"github.com/frobware/go-ebpfpolicy/server/api"
)

// AdminCmd handles the eBPF admin configuration.
type AdminCmd struct {
	Get    AdminGetCmd    `cmd:"" default:"withargs" help:"Show the admin configuration in effect."`
	Reload AdminReloadCmd `cmd:"" help:"Reload the admin configuration from a document or the configured sources."`
	Flags  AdminFlagsCmd  `cmd:"" help:"List the admin flags and the values set in the config file."`
}

// AdminGetCmd shows the admin configuration in effect.
type AdminGetCmd struct {
	OutputFlags
}

// Run executes the admin get command.
func (c *AdminGetCmd) Run(cli *CLI, ctx context.Context) error {
	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	resp, err := b.GetAdminConfig(ctx)
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("no admin configuration has been loaded")
	}
	if err != nil {
		return err
	}

	output, err := FormatAdminConfig(resp, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// AdminReloadCmd reloads the admin configuration. Without a document
// the configured app config file and flags are reread.
type AdminReloadCmd struct {
	OutputFlags
	Format string       `name:"format" help:"Document format: json or yaml. Defaults to the file extension, then content detection."`
	File   DocumentPath `arg:"" optional:"" help:"Application config document with an \"ebpf\" section, or - for stdin."`
}

// Run executes the admin reload command.
func (c *AdminReloadCmd) Run(cli *CLI, ctx context.Context) error {
	var req api.ReloadAdminConfigRequest
	if c.File.Path != "" {
		data, err := cli.readDocument(c.File)
		if err != nil {
			return err
		}
		req.Document = string(data)
		req.Format = c.File.Format(c.Format)
	}

	b, err := cli.Client(ctx)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer b.Close()

	resp, err := b.ReloadAdminConfig(ctx, req)
	if err != nil {
		return err
	}

	output, err := FormatAdminReload(resp, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// AdminFlagsCmd lists every admin flag with the value the config file
// sets for it.
type AdminFlagsCmd struct {
	OutputFlags
}

// Run executes the admin flags command.
func (c *AdminFlagsCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	flags, err := cfg.Admin.ParsedFlags()
	if err != nil {
		return err
	}

	names := ebpfconfig.FlagNames()
	list := make([]AdminFlag, 0, len(names))
	for _, name := range names {
		value, set := flags.Lookup(name)
		list = append(list, AdminFlag{Name: name, Value: value, Set: set})
	}

	output, err := FormatAdminFlags(list, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}
