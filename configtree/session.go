package configtree

import (
	"os"
	"slices"
	"strings"

	"vycore/schema"
)

// Dict is the generic intent representation returned by GetConfigDict.
type Dict = map[string]any

// DictOptions mirror the knobs handlers pass when reading their subtree.
type DictOptions struct {
	// KeyMangling replaces "-" with "_" in keys. Tag instance names are
	// never mangled.
	KeyMangling bool
	// GetFirstKey returns the content below the last path element instead
	// of a single-key map wrapping it.
	GetFirstKey bool
	// WithDefaults materialises schema defaults into every present
	// container and tag instance.
	WithDefaults bool
	// WithPKI adds the candidate "pki" subtree under the "pki" key.
	WithPKI bool
	// Effective reads the running tree instead of the candidate.
	Effective bool
}

// Session is the read-only view a commit handler gets: the running tree,
// the candidate tree and the schema that describes both.
type Session struct {
	Schema    *schema.Schema
	Running   *Node
	Candidate *Node
}

func NewSession(s *schema.Schema, running, candidate *Node) *Session {
	if running == nil {
		running = NewTree()
	}
	if candidate == nil {
		candidate = NewTree()
	}
	return &Session{Schema: s, Running: running, Candidate: candidate}
}

// LoadFile parses a config.boot file; a missing file is an empty tree.
func LoadFile(path string) (*Node, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewTree(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func (s *Session) tree(effective bool) *Node {
	if effective {
		return s.Running
	}
	return s.Candidate
}

func (s *Session) Exists(path ...string) bool {
	return s.Candidate.Exists(path...)
}

func (s *Session) ExistsEffective(path ...string) bool {
	return s.Running.Exists(path...)
}

// ReturnValue returns the first value of a leaf, "" when absent.
func (s *Session) ReturnValue(path ...string) string {
	if n := s.Candidate.Get(path...); n != nil && n.Leaf && len(n.Values) > 0 {
		return n.Values[0]
	}
	return ""
}

func (s *Session) ReturnEffectiveValue(path ...string) string {
	if n := s.Running.Get(path...); n != nil && n.Leaf && len(n.Values) > 0 {
		return n.Values[0]
	}
	return ""
}

func (s *Session) ReturnValues(path ...string) []string {
	if n := s.Candidate.Get(path...); n != nil && n.Leaf {
		return append([]string{}, n.Values...)
	}
	return nil
}

// ListNodes returns child names (tag instances for a tag node).
func (s *Session) ListNodes(path ...string) []string {
	return s.Candidate.Get(path...).ChildNames()
}

func (s *Session) ListEffectiveNodes(path ...string) []string {
	return s.Running.Get(path...).ChildNames()
}

// GetConfigDict converts the subtree at path into nested maps. Absent
// subtrees produce an empty map.
func (s *Session) GetConfigDict(path []string, opts DictOptions) Dict {
	tree := s.tree(opts.Effective)
	node := tree.Get(path...)
	var content any = Dict{}
	if node != nil {
		content = s.toDict(node, path, opts)
	}
	var out Dict
	switch {
	case opts.GetFirstKey || len(path) == 0:
		c, ok := content.(Dict)
		if !ok {
			c = Dict{}
		}
		out = c
	case node == nil:
		out = Dict{}
	default:
		out = Dict{s.key(path[len(path)-1], path[:len(path)-1], opts): content}
	}
	if opts.WithPKI && node != nil {
		if pki := tree.Get("pki"); pki != nil {
			out["pki"] = s.toDict(pki, []string{"pki"}, DictOptions{KeyMangling: opts.KeyMangling})
		}
	}
	return out
}

func (s *Session) key(name string, parent []string, opts DictOptions) string {
	if !opts.KeyMangling {
		return name
	}
	// instance names below a tag node keep their spelling
	if len(parent) > 0 {
		if pos, err := s.Schema.Walk(parent); err == nil && pos.Node.Type == schema.Tag && !pos.Instance {
			return name
		}
	}
	return strings.ReplaceAll(name, "-", "_")
}

func (s *Session) toDict(n *Node, path []string, opts DictOptions) any {
	if n.Leaf {
		switch {
		case s.Schema.IsMulti(path...):
			return append([]string{}, n.Values...)
		case len(n.Values) == 0:
			return Dict{}
		default:
			return n.Values[0]
		}
	}
	out := Dict{}
	for _, c := range n.Children {
		cp := append(append([]string{}, path...), c.Name)
		out[s.key(c.Name, path, opts)] = s.toDict(c, cp, opts)
	}
	if opts.WithDefaults && !n.Tag {
		if pos, err := s.Schema.Walk(path); err == nil && !(pos.Node.Type == schema.Tag && !pos.Instance) {
			mergeDefaults(out, s.Schema.Defaults(path, false), opts)
		}
	}
	return out
}

func mergeDefaults(dst Dict, defaults map[string]any, opts DictOptions) {
	for k, v := range defaults {
		if opts.KeyMangling {
			k = strings.ReplaceAll(k, "-", "_")
		}
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

// GetDefaults returns schema defaults for a path.
func (s *Session) GetDefaults(path []string, recursive bool) Dict {
	return s.Schema.Defaults(path, recursive)
}

// NodeChanged returns the children of path (tag instances, container
// children or multi leaf values) present in running but gone from the
// candidate.
func (s *Session) NodeChanged(path ...string) []string {
	old := s.Running.Get(path...)
	cur := s.Candidate.Get(path...)
	if old == nil {
		return nil
	}
	var removed []string
	if old.Leaf {
		for _, v := range old.Values {
			if cur == nil || !slices.Contains(cur.Values, v) {
				removed = append(removed, v)
			}
		}
		return removed
	}
	for _, c := range old.Children {
		if cur.Child(c.Name) == nil {
			removed = append(removed, c.Name)
		}
	}
	return removed
}

// NodeAdded is the reverse of NodeChanged.
func (s *Session) NodeAdded(path ...string) []string {
	old := s.Running.Get(path...)
	cur := s.Candidate.Get(path...)
	if cur == nil {
		return nil
	}
	var added []string
	if cur.Leaf {
		for _, v := range cur.Values {
			if old == nil || !slices.Contains(old.Values, v) {
				added = append(added, v)
			}
		}
		return added
	}
	for _, c := range cur.Children {
		if old.Child(c.Name) == nil {
			added = append(added, c.Name)
		}
	}
	return added
}

// LeafNodeChanged returns the running values of a leaf that changed, an
// empty slice when the leaf was added and nil when nothing changed.
func (s *Session) LeafNodeChanged(path ...string) []string {
	old := s.Running.Get(path...)
	cur := s.Candidate.Get(path...)
	if equalNodes(old, cur) {
		return nil
	}
	if old == nil {
		return []string{}
	}
	return append([]string{}, old.Values...)
}

// IsNodeChanged reports whether anything at or below path differs.
func (s *Session) IsNodeChanged(path ...string) bool {
	return !equalNodes(s.Running.Get(path...), s.Candidate.Get(path...))
}

func equalNodes(a, b *Node) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Leaf != b.Leaf || a.Tag != b.Tag || !slices.Equal(a.Values, b.Values) {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for _, c := range a.Children {
		if !equalNodes(c, b.Child(c.Name)) {
			return false
		}
	}
	return true
}
