package configtree

import (
	"fmt"
	"sort"
)

// DictPaths flattens a nested dictionary, as produced by GetConfigDict or
// decoded from JSON, into set paths. An empty map is a valueless node, a
// list expands to one path per value. Keys are visited in sorted order.
func DictPaths(d map[string]any) ([][]string, error) {
	var out [][]string
	var walk func(v any, prefix []string) error
	walk = func(v any, prefix []string) error {
		switch t := v.(type) {
		case map[string]any:
			if len(t) == 0 {
				if len(prefix) > 0 {
					out = append(out, prefix)
				}
				return nil
			}
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if err := walk(t[k], append(append([]string{}, prefix...), k)); err != nil {
					return err
				}
			}
		case []string:
			for _, s := range t {
				out = append(out, append(append([]string{}, prefix...), s))
			}
		case []any:
			for _, item := range t {
				if err := walk(item, prefix); err != nil {
					return err
				}
			}
		case string:
			out = append(out, append(append([]string{}, prefix...), t))
		case nil:
			out = append(out, prefix)
		default:
			return fmt.Errorf("unsupported value %T at %v", v, prefix)
		}
		return nil
	}
	if err := walk(d, nil); err != nil {
		return nil, err
	}
	return out, nil
}
