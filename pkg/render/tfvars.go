package render

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/vmpool/vmpool/pkg/engine"
)

// EncodeTFVars serializes variables as an HCL variable file. Keys are
// written in sorted order, so equal inputs produce identical bytes.
func EncodeTFVars(vars engine.Variables) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	body := f.Body()
	for _, k := range SortedKeys(vars) {
		if !hclsyntax.ValidIdentifier(k) {
			return nil, fmt.Errorf("invalid variable name %q", k)
		}
		val, err := ToCtyValue(vars[k])
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", k, err)
		}
		body.SetAttributeValue(k, val)
	}
	return hclwrite.Format(f.Bytes()), nil
}

// SortedKeys returns the variable names in order.
func SortedKeys(vars engine.Variables) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToCtyValue converts a rendered variable to its HCL value. Slices whose
// elements share a type become lists, other slices tuples.
func ToCtyValue(v any) (cty.Value, error) {
	switch val := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case cty.Value:
		return val, nil
	case string:
		return cty.StringVal(val), nil
	case bool:
		return cty.BoolVal(val), nil
	case int:
		return cty.NumberIntVal(int64(val)), nil
	case int64:
		return cty.NumberIntVal(val), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return cty.NilVal, fmt.Errorf("unsupported number %v", val)
		}
		return cty.NumberFloatVal(val), nil
	case []string:
		if len(val) == 0 {
			return cty.ListValEmpty(cty.String), nil
		}
		elems := make([]cty.Value, len(val))
		for i, s := range val {
			elems[i] = cty.StringVal(s)
		}
		return cty.ListVal(elems), nil
	case map[string]any:
		attrs := make(map[string]cty.Value, len(val))
		for k, e := range val {
			if !hclsyntax.ValidIdentifier(k) {
				return cty.NilVal, fmt.Errorf("invalid attribute name %q", k)
			}
			ev, err := ToCtyValue(e)
			if err != nil {
				return cty.NilVal, fmt.Errorf("%s: %w", k, err)
			}
			attrs[k] = ev
		}
		return cty.ObjectVal(attrs), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return cty.NilVal, fmt.Errorf("unsupported type %T", v)
	}
	if rv.Len() == 0 {
		return cty.ListValEmpty(cty.DynamicPseudoType), nil
	}
	elems := make([]cty.Value, rv.Len())
	uniform := true
	for i := range elems {
		ev, err := ToCtyValue(rv.Index(i).Interface())
		if err != nil {
			return cty.NilVal, fmt.Errorf("[%d]: %w", i, err)
		}
		elems[i] = ev
		if !ev.Type().Equals(elems[0].Type()) {
			uniform = false
		}
	}
	if uniform && !elems[0].IsNull() {
		return cty.ListVal(elems), nil
	}
	return cty.TupleVal(elems), nil
}
