package cli

import (
	"strings"

	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/security"
	"github.com/frobware/go-ebpfpolicy/server/api"
)

// OutputFormat represents the output format type.
type OutputFormat string

const (
	OutputFormatTable    OutputFormat = "table"
	OutputFormatJSON     OutputFormat = "json"
	OutputFormatJSONPath OutputFormat = "jsonpath"
)

const jsonPathPrefix = "jsonpath="

// OutputFlags provides output formatting flags.
type OutputFlags struct {
	Output string `short:"o" help:"Output format: table, json, jsonpath=EXPR." default:"table"`
}

// Format returns the base format type.
func (f *OutputFlags) Format() OutputFormat {
	switch {
	case f.Output == "json":
		return OutputFormatJSON
	case strings.HasPrefix(f.Output, jsonPathPrefix) && len(f.Output) > len(jsonPathPrefix):
		return OutputFormatJSONPath
	default:
		return OutputFormatTable
	}
}

// JSONPathExpr returns the JSONPath expression if format is jsonpath=EXPR.
func (f *OutputFlags) JSONPathExpr() string {
	if f.Format() == OutputFormatJSONPath {
		return strings.TrimPrefix(f.Output, jsonPathPrefix)
	}
	return ""
}

// PolicyFlags select how a policy document is interpreted.
type PolicyFlags struct {
	Type   security.FilterType     `name:"type" short:"t" required:"" help:"Filter type: file, process or network."`
	Mode   security.ValidationMode `name:"mode" help:"Validation mode: strict (pipeline option) or lenient (probe config)." default:"strict"`
	Format string                  `name:"format" help:"Document format: json or yaml. Defaults to the file extension, then content detection."`
}

// request builds the wire request for the document at path.
func (f *PolicyFlags) request(path DocumentPath, data []byte) api.ValidateRequest {
	return api.ValidateRequest{
		FilterType: f.Type.String(),
		Mode:       f.Mode.String(),
		Format:     path.Format(f.Format),
		Document:   string(data),
	}
}

// IdentityFlags label an activation with the configuration it belongs to.
type IdentityFlags struct {
	Plugin     string `name:"plugin" help:"Input plugin name. Defaults to the plugin for the filter type."`
	ConfigName string `name:"config-name" help:"Pipeline configuration name. Defaults to the document file name."`
	Project    string `name:"project" help:"Project the configuration belongs to."`
	Logstore   string `name:"logstore" help:"Logstore the configuration writes to."`
	Region     string `name:"region" help:"Region the configuration runs in."`
}

// identity fills defaults from the filter type and document path.
func (f *IdentityFlags) identity(ft security.FilterType, path DocumentPath) diag.Identity {
	id := diag.Identity{
		Plugin:     f.Plugin,
		ConfigName: f.ConfigName,
		Project:    f.Project,
		Logstore:   f.Logstore,
		Region:     f.Region,
	}
	if id.Plugin == "" {
		id.Plugin = security.PluginForFilterType(ft)
	}
	if id.ConfigName == "" && !path.IsStdin() {
		id.ConfigName = configName(path.Path)
	}
	return id
}
