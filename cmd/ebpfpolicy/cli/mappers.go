package cli

import (
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-ebpfpolicy/security"
)

// keyValueMapper creates a Kong mapper for KeyValue.
func keyValueMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("key=value", &s); err != nil {
			return err
		}
		kv, err := ParseKeyValue(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(kv))
		return nil
	}
}

// documentPathMapper creates a Kong mapper for DocumentPath.
func documentPathMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("path", &s); err != nil {
			return err
		}
		dp, err := ParseDocumentPath(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(dp))
		return nil
	}
}

// activationIDMapper creates a Kong mapper for ActivationID.
func activationIDMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("activation-id", &s); err != nil {
			return err
		}
		id, err := ParseActivationID(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(id))
		return nil
	}
}

// filterTypeMapper creates a Kong mapper for security.FilterType.
func filterTypeMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("filter-type", &s); err != nil {
			return err
		}
		ft, err := security.ParseFilterType(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(ft))
		return nil
	}
}

// validationModeMapper creates a Kong mapper for security.ValidationMode.
func validationModeMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("mode", &s); err != nil {
			return err
		}
		m, err := security.ParseValidationMode(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(m))
		return nil
	}
}
