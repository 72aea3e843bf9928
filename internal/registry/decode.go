package registry

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

type inputField struct {
	index    int
	required bool
}

// inputFields reads the `cty:"name[,optional]"` tags of the struct target points to.
func inputFields(target any) (map[string]inputField, error) {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("input target must be a pointer to a struct, got %T", target)
	}
	rt := rv.Elem().Type()
	fields := make(map[string]inputField, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("cty")
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		fields[name] = inputField{index: i, required: opts != "optional"}
	}
	return fields, nil
}

// Decode assigns inputs to the tagged fields of target. Unknown keys and
// missing required keys are errors; values are converted to each field's
// implied cty type first.
func Decode(inputs map[string]cty.Value, target any) error {
	fields, err := inputFields(target)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []string
	for _, k := range keys {
		f, ok := fields[k]
		if !ok {
			errs = append(errs, fmt.Sprintf("unsupported input %q", k))
			continue
		}
		fv := reflect.ValueOf(target).Elem().Field(f.index)
		ty, err := gocty.ImpliedType(fv.Addr().Interface())
		if err != nil {
			errs = append(errs, fmt.Sprintf("input %q: %v", k, err))
			continue
		}
		v, err := convert.Convert(inputs[k], ty)
		if err != nil {
			errs = append(errs, fmt.Sprintf("input %q: %v", k, err))
			continue
		}
		if v.IsNull() {
			continue
		}
		if err := gocty.FromCtyValue(v, fv.Addr().Interface()); err != nil {
			errs = append(errs, fmt.Sprintf("input %q: %v", k, err))
		}
	}
	for name, f := range fields {
		if _, ok := inputs[name]; f.required && !ok {
			errs = append(errs, fmt.Sprintf("missing required input %q", name))
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("invalid inputs:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}
