package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-ebpfpolicy/security"
	"github.com/frobware/go-ebpfpolicy/server"
)

// ServeCmd starts the gRPC daemon.
type ServeCmd struct {
	TCPAddress     string                   `name:"tcp-address" help:"Optional TCP address for the gRPC server, e.g. [::]:50051."`
	PprofAddress   string                   `name:"pprof-address" help:"Optional address for the pprof HTTP server, e.g. localhost:2026."`
	MetricsAddress string                   `name:"metrics-address" help:"Address for the Prometheus handler. Overrides metrics.listen."`
	PolicyDir      string                   `name:"policy-dir" help:"Directory of pipeline documents to watch. Overrides policy.dir."`
	Mode           *security.ValidationMode `name:"mode" help:"Validation mode for the policy directory. Overrides policy.mode."`
	AppConfig      string                   `name:"app-config" help:"Application config document with an \"ebpf\" section. Overrides admin.app_config."`
	AdminFlags     []KeyValue               `name:"admin-flag" help:"NAME=VALUE admin flag (can be repeated). Overrides admin.flags."`
}

// Run executes the serve command. ctx is cancelled on SIGINT/SIGTERM.
func (c *ServeCmd) Run(cli *CLI, ctx context.Context) error {
	logger, err := cli.LoggerFromConfig()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	appConfig, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	c.apply(&appConfig.Policy.Dir, c.PolicyDir)
	c.apply(&appConfig.Metrics.Listen, c.MetricsAddress)
	c.apply(&appConfig.Admin.AppConfig, c.AppConfig)
	if c.Mode != nil {
		appConfig.Policy.Mode = *c.Mode
	}
	if len(c.AdminFlags) > 0 {
		merged := make(map[string]string, len(appConfig.Admin.Flags)+len(c.AdminFlags))
		for k, v := range appConfig.Admin.Flags {
			merged[k] = v
		}
		for k, v := range KeyValueMap(c.AdminFlags) {
			merged[k] = v
		}
		appConfig.Admin.Flags = merged
	}
	if err := appConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dirs, err := cli.RuntimeDirs()
	if err != nil {
		return err
	}

	return server.Run(ctx, server.RunConfig{
		Dirs:         dirs,
		TCPAddress:   c.TCPAddress,
		PprofAddress: c.PprofAddress,
		Logger:       logger,
		Config:       appConfig,
	})
}

func (c *ServeCmd) apply(dst *string, override string) {
	if override != "" {
		*dst = override
	}
}
