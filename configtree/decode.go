package configtree

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// valueless leaves arrive as empty maps; a bool field reads them as set.
func valuelessHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() == reflect.Bool && from.Kind() == reflect.Map {
		return true, nil
	}
	return data, nil
}

// Decode converts an intent dictionary produced with key mangling into a
// typed record. Leaf strings are converted to numeric fields, multi
// leaves to slices and tag nodes to maps keyed by instance name.
func Decode(in Dict, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       valuelessHook,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// DecodeAt is GetConfigDict with key mangling, first key and defaults,
// decoded into out. It reports whether the path exists in the tree read.
func (s *Session) DecodeAt(path []string, effective bool, out any) (bool, error) {
	exists := s.tree(effective).Get(path...) != nil
	if !exists {
		return false, nil
	}
	dict := s.GetConfigDict(path, DictOptions{
		KeyMangling:  true,
		GetFirstKey:  true,
		WithDefaults: true,
		Effective:    effective,
	})
	return true, Decode(dict, out)
}

// DecodeWithDefaults is DecodeAt on the candidate after the named child
// containers of path were seeded with their recursive schema defaults, so
// absent containers still decode to their defaults.
func (s *Session) DecodeWithDefaults(path []string, out any, recursive ...string) (bool, error) {
	for _, c := range recursive {
		cp := append(append([]string{}, path...), c)
		defaults := mangleKeys(s.Schema.Defaults(cp, true))
		if err := Decode(Dict{strings.ReplaceAll(c, "-", "_"): defaults}, out); err != nil {
			return false, err
		}
	}
	return s.DecodeAt(path, false, out)
}

func mangleKeys(d Dict) Dict {
	out := Dict{}
	for k, v := range d {
		if sub, ok := v.(Dict); ok {
			v = mangleKeys(sub)
		}
		out[strings.ReplaceAll(k, "-", "_")] = v
	}
	return out
}

// SortedKeys returns the keys of a decoded tag map in order.
func SortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
