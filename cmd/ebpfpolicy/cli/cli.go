package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-ebpfpolicy/client"
	"github.com/frobware/go-ebpfpolicy/config"
	"github.com/frobware/go-ebpfpolicy/logging"
	"github.com/frobware/go-ebpfpolicy/security"
)

// CLI is the root command structure for ebpfpolicy.
type CLI struct {
	RuntimeDir string `name:"runtime-dir" help:"Runtime directory holding the activation history and writer lock." default:"${default_runtime_dir}"`
	Config     string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log        string `name:"log" help:"Log spec (e.g., 'info,engine=debug')." env:"EBPFPOLICY_LOG"`
	Remote     string `name:"remote" short:"r" help:"Remote endpoint (unix:///path or host:port). Connects via gRPC instead of opening the runtime directory."`

	Serve    ServeCmd    `cmd:"" help:"Start the gRPC daemon."`
	Validate ValidateCmd `cmd:"" help:"Validate a security policy document without activating it."`
	Activate ActivateCmd `cmd:"" help:"Validate and activate a security policy document."`
	Policy   PolicyCmd   `cmd:"" help:"Show the active policy for a filter type."`
	History  HistoryCmd  `cmd:"" help:"Inspect the activation history."`
	Admin    AdminCmd    `cmd:"" help:"Admin configuration operations."`
	Observer ObserverCmd `cmd:"" help:"Validate a network observer probe configuration."`

	In  io.Reader `kong:"-"`
	Out io.Writer `kong:"-"`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("ebpfpolicy"),
		kong.Description("Validate, activate and serve eBPF security policies."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(KeyValue{}), keyValueMapper()),
		kong.TypeMapper(reflect.TypeOf(DocumentPath{}), documentPathMapper()),
		kong.TypeMapper(reflect.TypeOf(ActivationID{}), activationIDMapper()),
		kong.TypeMapper(reflect.TypeOf(security.FilterTypeUnknown), filterTypeMapper()),
		kong.TypeMapper(reflect.TypeOf(security.ModeStrict), validationModeMapper()),
		kong.Vars{
			"default_runtime_dir": config.DefaultRuntimeBase,
			"default_config_path": config.DefaultConfigPath,
		},
	}
}

// Execute parses args and runs the selected command. Command output is
// written to stdout; documents named "-" are read from stdin.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	c := CLI{In: stdin, Out: stdout}

	parser, err := kong.New(&c, append(KongOptions(), kong.Writers(stdout, os.Stderr))...)
	if err != nil {
		return fmt.Errorf("create parser: %w", err)
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	kctx.BindTo(ctx, (*context.Context)(nil))

	return kctx.Run(&c)
}

// LoadConfig loads the configuration from the config file path.
func (c *CLI) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", c.Config, err)
	}
	return cfg, nil
}

// RuntimeDirs returns the runtime directories rooted at --runtime-dir.
func (c *CLI) RuntimeDirs() (config.RuntimeDirs, error) {
	return config.NewRuntimeDirs(c.RuntimeDir)
}

// Logger creates a logger for CLI commands.
// CLI commands default to WARN level for quieter output.
// Use LoggerFromConfig for long-running services like serve.
func (c *CLI) Logger() (*slog.Logger, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}

	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	// CLI commands default to warn unless --log is specified
	spec := c.Log
	if spec == "" {
		spec = "warn"
	}

	return logging.New(logging.Options{
		CLISpec:    spec,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     os.Stderr,
	})
}

// LoggerFromConfig creates a logger using config file settings.
// Used by long-running services (serve) where INFO level is appropriate.
// Output goes to stdout for daemon/container log collection.
func (c *CLI) LoggerFromConfig() (*slog.Logger, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}

	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	return logging.New(logging.Options{
		CLISpec:    c.Log,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     os.Stdout,
	})
}

// Client returns a client appropriate for the configured transport.
// If --remote is set, it connects to a daemon via gRPC. Otherwise it
// opens the runtime directory directly. The returned client must be
// closed when no longer needed.
func (c *CLI) Client(ctx context.Context) (client.Client, error) {
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}

	if c.Remote != "" {
		return client.Dial(c.Remote, client.WithLogger(logger))
	}

	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}
	return client.Open(ctx,
		client.WithRuntimeDir(c.RuntimeDir),
		client.WithConfig(cfg),
		client.WithLogger(logger),
	)
}

// PrintOut writes s to the command output.
func (c *CLI) PrintOut(s string) error {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	n, err := io.WriteString(out, s)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if n != len(s) {
		return fmt.Errorf("write output: %w", io.ErrShortWrite)
	}
	return nil
}

// readDocument reads the document at path, from stdin for "-".
func (c *CLI) readDocument(path DocumentPath) ([]byte, error) {
	in := c.In
	if in == nil {
		in = os.Stdin
	}
	data, err := path.Read(in)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path.Path, err)
	}
	return data, nil
}
