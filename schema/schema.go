package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed definitions/*.yaml
var definitions embed.FS

var (
	ErrUnknownPath = errors.New("unknown path")
	ErrBadKind     = errors.New("bad node type")
)

type Kind string

const (
	Container Kind = "container"
	Tag       Kind = "tag"
	Leaf      Kind = "leaf"
	Multi     Kind = "multi"
	Valueless Kind = "valueless"
)

// Node is one schema definition. For a tag node Children describes a
// single instance.
type Node struct {
	Type     Kind             `yaml:"type"`
	Default  any              `yaml:"default"`
	Owner    string           `yaml:"owner"`
	Priority int              `yaml:"priority"`
	Secret   bool             `yaml:"secret"`
	Children map[string]*Node `yaml:"children"`
}

func (n *Node) IsLeaf() bool {
	return n.Type == Leaf || n.Type == Multi || n.Type == Valueless
}

// DefaultValue returns the default as a string slice, nil when unset.
func (n *Node) DefaultValue() []string {
	switch v := n.Default.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

type definitionFile struct {
	Nodes    map[string]*Node `yaml:"nodes"`
	Versions map[string]int   `yaml:"versions"`
	Retired  []string         `yaml:"retired"`
}

// Binding ties a handler owner to the path it is responsible for.
type Binding struct {
	Owner    string
	Path     []string
	Tag      bool
	Priority int
}

type Schema struct {
	root     *Node
	versions map[string]int
	retired  []string
	bindings []Binding
}

// Load reads the embedded definitions.
func Load() (*Schema, error) {
	return LoadFS(definitions, "definitions")
}

// LoadFS reads every *.yaml under dir. Top level keys starting with "_"
// are anchor holders and are ignored.
func LoadFS(fsys fs.FS, dir string) (*Schema, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema dir: %w", err)
	}
	s := &Schema{
		root:     &Node{Type: Container, Children: map[string]*Node{}},
		versions: map[string]int{},
	}
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".yaml" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var f definitionFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}
		for name, n := range f.Nodes {
			if err := check(n, []string{name}); err != nil {
				return nil, fmt.Errorf("%s: %w", entry.Name(), err)
			}
			s.root.Children[name] = merge(s.root.Children[name], n)
		}
		for k, v := range f.Versions {
			s.versions[k] = v
		}
		s.retired = append(s.retired, f.Retired...)
	}
	s.collectBindings(s.root, nil)
	sort.SliceStable(s.bindings, func(i, j int) bool {
		if s.bindings[i].Priority != s.bindings[j].Priority {
			return s.bindings[i].Priority < s.bindings[j].Priority
		}
		return strings.Join(s.bindings[i].Path, " ") < strings.Join(s.bindings[j].Path, " ")
	})
	return s, nil
}

func check(n *Node, p []string) error {
	switch n.Type {
	case Container, Tag:
		for name, child := range n.Children {
			if err := check(child, append(append([]string{}, p...), name)); err != nil {
				return err
			}
		}
	case Leaf, Multi, Valueless:
		if len(n.Children) > 0 {
			return fmt.Errorf("%w: leaf %v has children", ErrBadKind, p)
		}
	default:
		return fmt.Errorf("%w: %q at %v", ErrBadKind, n.Type, p)
	}
	return nil
}

func merge(dst, src *Node) *Node {
	if dst == nil {
		return src
	}
	if dst.Owner == "" {
		dst.Owner, dst.Priority = src.Owner, src.Priority
	}
	if dst.Children == nil {
		dst.Children = map[string]*Node{}
	}
	for name, child := range src.Children {
		dst.Children[name] = merge(dst.Children[name], child)
	}
	return dst
}

func (s *Schema) collectBindings(n *Node, p []string) {
	if n.Owner != "" {
		s.bindings = append(s.bindings, Binding{
			Owner:    n.Owner,
			Path:     append([]string{}, p...),
			Tag:      n.Type == Tag,
			Priority: n.Priority,
		})
	}
	for name, child := range n.Children {
		s.collectBindings(child, append(append([]string{}, p...), name))
	}
}

// Position is the result of walking a configuration path.
type Position struct {
	Node *Node
	// Instance is set when the path ends on a tag instance name.
	Instance bool
	// Value is set when the path ends on a leaf value.
	Value bool
}

// Walk resolves a configuration path. Tag instance names and leaf values
// are accepted as path elements.
func (s *Schema) Walk(p []string) (Position, error) {
	pos := Position{Node: s.root, Instance: true}
	for i, elem := range p {
		n := pos.Node
		switch {
		case pos.Value:
			return Position{}, fmt.Errorf("%w: %v", ErrUnknownPath, p[:i+1])
		case n.Type == Tag && !pos.Instance:
			pos.Instance = true
			continue
		case n.Type == Leaf || n.Type == Multi:
			pos.Value = true
			continue
		case n.Type == Valueless:
			return Position{}, fmt.Errorf("%w: %v", ErrUnknownPath, p[:i+1])
		}
		child, ok := n.Children[elem]
		if !ok {
			return Position{}, fmt.Errorf("%w: %v", ErrUnknownPath, p[:i+1])
		}
		pos = Position{Node: child}
	}
	return pos, nil
}

// Lookup returns the schema node a path ends on.
func (s *Schema) Lookup(p ...string) (*Node, bool) {
	pos, err := s.Walk(p)
	if err != nil {
		return nil, false
	}
	return pos.Node, true
}

func (s *Schema) IsTag(p ...string) bool {
	pos, err := s.Walk(p)
	return err == nil && pos.Node.Type == Tag && !pos.Instance
}

func (s *Schema) IsMulti(p ...string) bool {
	n, ok := s.Lookup(p...)
	return ok && n.Type == Multi
}

func (s *Schema) IsLeaf(p ...string) bool {
	n, ok := s.Lookup(p...)
	return ok && n.IsLeaf()
}

func (s *Schema) IsValueless(p ...string) bool {
	n, ok := s.Lookup(p...)
	return ok && n.Type == Valueless
}

func (s *Schema) IsSecret(p ...string) bool {
	n, ok := s.Lookup(p...)
	return ok && n.Secret
}

// Defaults returns the default values below a container or tag instance.
// Leaves map to a string, multi leaves to a []string. With recursive set
// nested containers carrying defaults are included as nested maps; tag
// children are never expanded since they have no instances.
func (s *Schema) Defaults(p []string, recursive bool) map[string]any {
	pos, err := s.Walk(p)
	if err != nil {
		return map[string]any{}
	}
	n := pos.Node
	if n.Type == Tag && !pos.Instance {
		return map[string]any{}
	}
	return defaultsOf(n, recursive)
}

func defaultsOf(n *Node, recursive bool) map[string]any {
	out := map[string]any{}
	for name, child := range n.Children {
		switch child.Type {
		case Leaf:
			if v := child.DefaultValue(); v != nil {
				out[name] = v[0]
			}
		case Multi:
			if v := child.DefaultValue(); v != nil {
				out[name] = v
			}
		case Container:
			if !recursive {
				continue
			}
			if sub := defaultsOf(child, true); len(sub) > 0 {
				out[name] = sub
			}
		}
	}
	return out
}

// Bindings returns handler bindings ordered by priority.
func (s *Schema) Bindings() []Binding {
	return append([]Binding(nil), s.bindings...)
}

// Binding returns the binding of a handler owner.
func (s *Schema) Binding(owner string) (Binding, bool) {
	for _, b := range s.bindings {
		if b.Owner == owner {
			return b, true
		}
	}
	return Binding{}, false
}

// Priority of an owner, or a large value for unknown owners so they sort last.
func (s *Schema) Priority(owner string) int {
	if b, ok := s.Binding(owner); ok {
		return b.Priority
	}
	return 1 << 30
}

// Versions returns the component version map of this system.
func (s *Schema) Versions() map[string]int {
	out := make(map[string]int, len(s.versions))
	for k, v := range s.versions {
		out[k] = v
	}
	return out
}

// Retired lists components whose footer entries are dropped.
func (s *Schema) Retired() []string {
	return append([]string(nil), s.retired...)
}
