package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// loadHCLConfig parses an HCL config file into the same map[string]any shape the
// JSON loader produces, then hands off to applyConfigMap so both formats share one
// set of field-mapping and validation rules.
func loadHCLConfig(configPath string, cfg *Config) error {
	src, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}

	file, diags := hclsyntax.ParseConfig(src, configPath, hcl.InitialPos)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %w", diags)
	}

	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return fmt.Errorf("failed to parse HCL config: unexpected body type")
	}

	evalCtx := &hcl.EvalContext{}

	data := make(map[string]any, len(body.Attributes)+len(body.Blocks))

	for name, attr := range body.Attributes {
		val, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return fmt.Errorf("failed to parse HCL config: %w", diags)
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return fmt.Errorf("failed to parse HCL config: %w", err)
		}
		data[name] = goVal
	}

	// Blocks (e.g. `servers { ... }` style bodies) are folded in as nested maps,
	// grouping same-typed blocks into a slice the same way a JSON array would.
	for _, block := range body.Blocks {
		blockVal, err := hclBlockToGo(block)
		if err != nil {
			return fmt.Errorf("failed to parse HCL config: %w", err)
		}
		if existing, ok := data[block.Type]; ok {
			if list, ok := existing.([]any); ok {
				data[block.Type] = append(list, blockVal)
				continue
			}
			data[block.Type] = []any{existing, blockVal}
			continue
		}
		data[block.Type] = blockVal
	}

	return applyConfigMap(data, cfg)
}

func hclBlockToGo(block *hclsyntax.Block) (any, error) {
	evalCtx := &hcl.EvalContext{}
	m := make(map[string]any, len(block.Body.Attributes))
	for name, attr := range block.Body.Attributes {
		val, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("%w", diags)
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return nil, err
		}
		m[name] = goVal
	}
	for _, nested := range block.Body.Blocks {
		nestedVal, err := hclBlockToGo(nested)
		if err != nil {
			return nil, err
		}
		if existing, ok := m[nested.Type]; ok {
			if list, ok := existing.([]any); ok {
				m[nested.Type] = append(list, nestedVal)
				continue
			}
			m[nested.Type] = []any{existing, nestedVal}
			continue
		}
		m[nested.Type] = nestedVal
	}
	return m, nil
}

// ctyToGo converts a cty.Value produced by evaluating an HCL expression into the
// same plain Go value shapes (map[string]any, []any, string, float64, bool) that
// encoding/json produces, so applyConfigMap never needs to know which format a
// value came from.
func ctyToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("unknown value in HCL config")
	}

	t := v.Type()

	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	case t.IsObjectType() || t.IsMapType():
		result := make(map[string]any)
		for key, val := range v.AsValueMap() {
			goVal, err := ctyToGo(val)
			if err != nil {
				return nil, err
			}
			result[key] = goVal
		}
		return result, nil
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		var result []any
		for _, val := range v.AsValueSlice() {
			goVal, err := ctyToGo(val)
			if err != nil {
				return nil, err
			}
			result = append(result, goVal)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported HCL value type: %s", t.FriendlyName())
	}
}
