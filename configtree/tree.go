package configtree

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"vycore/schema"
)

var (
	ErrSyntax     = errors.New("syntax error")
	ErrNotFound   = errors.New("path not found")
	ErrKindChange = errors.New("node kind mismatch")
)

// Node is one node of a configuration tree. Tag nodes keep their instances
// as children; leaf nodes keep their values in Values (none for valueless).
type Node struct {
	Name     string
	Tag      bool
	Leaf     bool
	Values   []string
	Children []*Node
}

func NewTree() *Node {
	return &Node{}
}

func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildNames returns the names of children in tree order.
func (n *Node) ChildNames() []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, c.Name)
	}
	return out
}

// Get walks a path; values are not path elements.
func (n *Node) Get(path ...string) *Node {
	cur := n
	for _, elem := range path {
		cur = cur.Child(elem)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func (n *Node) Exists(path ...string) bool {
	if n.Get(path...) != nil {
		return true
	}
	// the last element may be a value of a multi leaf
	if len(path) > 0 {
		if leaf := n.Get(path[:len(path)-1]...); leaf != nil && leaf.Leaf {
			for _, v := range leaf.Values {
				if v == path[len(path)-1] {
					return true
				}
			}
		}
	}
	return false
}

func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{Name: n.Name, Tag: n.Tag, Leaf: n.Leaf}
	if n.Values != nil {
		c.Values = append([]string{}, n.Values...)
	}
	for _, child := range n.Children {
		c.Children = append(c.Children, child.Clone())
	}
	return c
}

func (n *Node) ensure(name string, tag bool) (*Node, error) {
	if c := n.Child(name); c != nil {
		if c.Leaf || c.Tag != tag {
			return nil, fmt.Errorf("%w: %s", ErrKindChange, name)
		}
		return c, nil
	}
	c := &Node{Name: name, Tag: tag}
	n.Children = append(n.Children, c)
	return c, nil
}

// Set creates the path. The schema decides which elements are tag
// instances and which one is a leaf value. For a multi leaf the value is
// appended unless present, for a leaf it is replaced.
func (n *Node) Set(s *schema.Schema, path ...string) error {
	if _, err := s.Walk(path); err != nil {
		return fmt.Errorf("Configuration path: [%s] is not valid", strings.Join(path, " "))
	}
	cur := n
	for i := 0; i < len(path); i++ {
		sn, _ := s.Lookup(path[:i+1]...)
		switch sn.Type {
		case schema.Tag:
			tagNode, err := cur.ensure(path[i], true)
			if err != nil {
				return err
			}
			if i+1 == len(path) {
				return nil
			}
			i++
			if cur, err = tagNode.ensure(path[i], false); err != nil {
				return err
			}
		case schema.Container:
			var err error
			if cur, err = cur.ensure(path[i], false); err != nil {
				return err
			}
		default:
			leaf := cur.Child(path[i])
			if leaf == nil {
				leaf = &Node{Name: path[i], Leaf: true}
				cur.Children = append(cur.Children, leaf)
			}
			if i+1 == len(path) {
				return nil
			}
			value := path[i+1]
			if sn.Type == schema.Multi {
				for _, v := range leaf.Values {
					if v == value {
						return nil
					}
				}
				leaf.Values = append(leaf.Values, value)
			} else {
				leaf.Values = []string{value}
			}
			return nil
		}
	}
	return nil
}

// Delete removes the node at path, or a single value of a multi leaf.
func (n *Node) Delete(path ...string) error {
	if len(path) == 0 {
		n.Children = nil
		return nil
	}
	parent := n.Get(path[:len(path)-1]...)
	if parent == nil {
		return fmt.Errorf("%w: %v", ErrNotFound, path)
	}
	last := path[len(path)-1]
	if parent.Leaf {
		for i, v := range parent.Values {
			if v == last {
				parent.Values = append(parent.Values[:i], parent.Values[i+1:]...)
				if len(parent.Values) == 0 {
					return n.Delete(path[:len(path)-1]...)
				}
				return nil
			}
		}
		return fmt.Errorf("%w: %v", ErrNotFound, path)
	}
	for i, c := range parent.Children {
		if c.Name == last {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			// a tag node without instances does not exist
			if parent.Tag && len(parent.Children) == 0 {
				return n.Delete(path[:len(path)-1]...)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrNotFound, path)
}

// Paths lists every leaf path (with value) and every empty container.
func (n *Node) Paths() [][]string {
	var out [][]string
	var walk func(*Node, []string)
	walk = func(cur *Node, prefix []string) {
		for _, c := range cur.Children {
			p := append(append([]string{}, prefix...), c.Name)
			switch {
			case c.Leaf && len(c.Values) == 0:
				out = append(out, p)
			case c.Leaf:
				for _, v := range c.Values {
					out = append(out, append(append([]string{}, p...), v))
				}
			case len(c.Children) == 0:
				out = append(out, p)
			default:
				walk(c, p)
			}
		}
	}
	walk(n, nil)
	return out
}

// Validate reports the first path of the tree the schema does not know.
func (n *Node) Validate(s *schema.Schema) error {
	for _, p := range n.Paths() {
		if _, err := s.Walk(p); err != nil {
			return fmt.Errorf("Configuration path: [%s] is not valid", strings.Join(p, " "))
		}
	}
	return nil
}

// Parse reads the config.boot syntax. Comment lines are skipped.
func Parse(r io.Reader) (*Node, error) {
	root := NewTree()
	stack := []*Node{root}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	inComment := false
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if inComment {
			if strings.Contains(line, "*/") {
				inComment = false
			}
			continue
		}
		if strings.HasPrefix(line, "/*") {
			inComment = !strings.Contains(line, "*/")
			continue
		}
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if line == "}" {
			if len(stack) == 1 {
				return nil, fmt.Errorf("%w: line %d: unbalanced '}'", ErrSyntax, lineNo)
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			// leave the tag node as well when closing an instance
			if len(stack) > 1 && stack[len(stack)-1].Tag && stack[len(stack)-1].Child(top.Name) == top {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		tokens, err := tokenize(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrSyntax, lineNo, err)
		}
		parent := stack[len(stack)-1]
		open := tokens[len(tokens)-1] == "{"
		if open {
			tokens = tokens[:len(tokens)-1]
		}
		switch {
		case open && len(tokens) == 1:
			c, err := parent.ensure(tokens[0], false)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrSyntax, lineNo, err)
			}
			stack = append(stack, c)
		case open && len(tokens) == 2:
			tagNode, err := parent.ensure(tokens[0], true)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrSyntax, lineNo, err)
			}
			inst, err := tagNode.ensure(tokens[1], false)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrSyntax, lineNo, err)
			}
			stack = append(stack, tagNode, inst)
		case !open && len(tokens) <= 2:
			leaf := parent.Child(tokens[0])
			if leaf == nil {
				leaf = &Node{Name: tokens[0], Leaf: true}
				parent.Children = append(parent.Children, leaf)
			} else if !leaf.Leaf {
				return nil, fmt.Errorf("%w: line %d: %s is not a leaf", ErrSyntax, lineNo, tokens[0])
			}
			if len(tokens) == 2 {
				leaf.Values = append(leaf.Values, tokens[1])
			}
		default:
			return nil, fmt.Errorf("%w: line %d: unexpected %q", ErrSyntax, lineNo, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("%w: unexpected end of file", ErrSyntax)
	}
	return root, nil
}

func tokenize(line string) ([]string, error) {
	var tokens []string
	for i := 0; i < len(line); {
		switch c := line[i]; {
		case c == ' ' || c == '\t':
			i++
		case c == '"':
			var b strings.Builder
			j := i + 1
			for ; j < len(line) && line[j] != '"'; j++ {
				if line[j] == '\\' && j+1 < len(line) {
					j++
				}
				b.WriteByte(line[j])
			}
			if j >= len(line) {
				return nil, errors.New("unterminated quote")
			}
			tokens = append(tokens, b.String())
			i = j + 1
		default:
			j := i
			for j < len(line) && line[j] != ' ' && line[j] != '\t' {
				j++
			}
			tokens = append(tokens, line[i:j])
			i = j
		}
	}
	if len(tokens) == 0 {
		return nil, errors.New("empty statement")
	}
	return tokens, nil
}

func quote(v string) string {
	needs := v == ""
	for _, r := range v {
		if unicode.IsSpace(r) || strings.ContainsRune(`"'{};#\`, r) {
			needs = true
			break
		}
	}
	if !needs {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

// String prints the tree in config.boot syntax with four space indent.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b, 0)
	return b.String()
}

func (n *Node) write(b *strings.Builder, depth int) {
	indent := strings.Repeat("    ", depth)
	for _, c := range n.Children {
		switch {
		case c.Leaf && len(c.Values) == 0:
			fmt.Fprintf(b, "%s%s\n", indent, c.Name)
		case c.Leaf:
			for _, v := range c.Values {
				fmt.Fprintf(b, "%s%s %s\n", indent, c.Name, quote(v))
			}
		case c.Tag:
			for _, inst := range c.Children {
				fmt.Fprintf(b, "%s%s %s {\n", indent, c.Name, quote(inst.Name))
				inst.write(b, depth+1)
				fmt.Fprintf(b, "%s}\n", indent)
			}
		default:
			fmt.Fprintf(b, "%s%s {\n", indent, c.Name)
			c.write(b, depth+1)
			fmt.Fprintf(b, "%s}\n", indent)
		}
	}
}
