package config

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// loadHCLConfig parses an attribute-style HCL config file and feeds the
// result through the same map pipeline as JSON, so both formats share one
// schema. Expressions are evaluated without a context, which restricts
// files to literal values.
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(cleanPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("failed to read HCL attributes: %s", diags.Error())
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return fmt.Errorf("failed to evaluate HCL attribute %q: %s", name, diags.Error())
		}
		converted, err := ctyToGo(val)
		if err != nil {
			return fmt.Errorf("HCL attribute %q: %w", name, err)
		}
		data[name] = converted
	}

	return parseConfigMap(data, cfg)
}

// ctyToGo converts an evaluated cty value into the plain Go shapes the
// map-based config parser expects. Numbers become float64 to match
// encoding/json's behavior.
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsObjectType() || ty.IsMapType():
		result := make(map[string]any)
		for key, elem := range val.AsValueMap() {
			converted, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			result[key] = converted
		}
		return result, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		var result []any
		for _, elem := range val.AsValueSlice() {
			converted, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			result = append(result, converted)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported HCL value type: %s", ty.FriendlyName())
	}
}
