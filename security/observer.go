package security

import (
	"fmt"

	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/schema"
)

// ObserverNetworkOption configures the network observer probe. Every
// field is optional.
type ObserverNetworkOption struct {
	MeterHandlerType      string   `json:"MeterHandlerType,omitempty"`
	SpanHandlerType       string   `json:"SpanHandlerType,omitempty"`
	EnableProtocols       []string `json:"EnableProtocols"`
	DisableProtocolParse  bool     `json:"DisableProtocolParse"`
	DisableConnStats      bool     `json:"DisableConnStats"`
	EnableConnTrackerDump bool     `json:"EnableConnTrackerDump"`
}

// NewObserverNetworkOption reads the observer settings from the
// mandatory "ProbeConfig" map of root. A malformed field keeps its zero
// value and is reported as a warning.
func NewObserverNetworkOption(root any) (ObserverNetworkOption, diag.Findings, error) {
	c := &collector{}
	opt := ObserverNetworkOption{EnableProtocols: []string{}}

	obj, ok := schema.AsObject(root)
	if !ok {
		err := c.fail(ErrMandatoryField, "", -1, fmt.Sprintf("document is not of type map (got %s)", schema.Kind(root)))
		return ObserverNetworkOption{}, c.findings, err
	}
	probe, err := schema.ValidMap(obj, "ProbeConfig")
	if err != nil {
		err = c.mandatory(err, "ProbeConfig", -1)
		return ObserverNetworkOption{}, c.findings, err
	}

	str := func(key string, dst *string) {
		v, err := schema.OptionalString(probe, key, "")
		if err != nil {
			c.optional(err, fieldPath("ProbeConfig", key), -1)
		}
		*dst = v
	}
	flag := func(key string, dst *bool) {
		v, err := schema.OptionalBool(probe, key, false)
		if err != nil {
			c.optional(err, fieldPath("ProbeConfig", key), -1)
		}
		*dst = v
	}

	str("MeterHandlerType", &opt.MeterHandlerType)
	str("SpanHandlerType", &opt.SpanHandlerType)
	protocols, err := schema.OptionalStringList(probe, "EnableProtocols")
	if err != nil {
		c.optional(err, "ProbeConfig.EnableProtocols", -1)
	}
	opt.EnableProtocols = protocols
	flag("DisableProtocolParse", &opt.DisableProtocolParse)
	flag("DisableConnStats", &opt.DisableConnStats)
	flag("EnableConnTrackerDump", &opt.EnableConnTrackerDump)

	return opt, c.findings, nil
}
