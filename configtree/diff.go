package configtree

import (
	"sort"
	"strings"
)

type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

type Change struct {
	Path []string
	Kind ChangeKind
}

func (c Change) String() string {
	sign := map[ChangeKind]string{Added: "+", Removed: "-", Changed: "~"}[c.Kind]
	return sign + " " + strings.Join(c.Path, " ")
}

// Diff labels every path whose presence or value differs between the two
// trees. Containers that appear or vanish whole are reported once.
func Diff(running, candidate *Node) []Change {
	if running == nil {
		running = NewTree()
	}
	if candidate == nil {
		candidate = NewTree()
	}
	var out []Change
	diffNode(running, candidate, nil, &out)
	sort.SliceStable(out, func(i, j int) bool {
		return strings.Join(out[i].Path, " ") < strings.Join(out[j].Path, " ")
	})
	return out
}

func diffNode(a, b *Node, path []string, out *[]Change) {
	if a.Leaf || b.Leaf {
		if !equalNodes(a, b) {
			*out = append(*out, Change{Path: path, Kind: Changed})
		}
		return
	}
	for _, c := range a.Children {
		p := append(append([]string{}, path...), c.Name)
		other := b.Child(c.Name)
		if other == nil {
			*out = append(*out, Change{Path: p, Kind: Removed})
			continue
		}
		diffNode(c, other, p, out)
	}
	for _, c := range b.Children {
		if a.Child(c.Name) == nil {
			*out = append(*out, Change{Path: append(append([]string{}, path...), c.Name), Kind: Added})
		}
	}
}

// TopLevel returns the distinct first two elements of the changed paths,
// which is the granularity the revision archive keeps.
func TopLevel(changes []Change) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range changes {
		n := len(c.Path)
		if n > 2 {
			n = 2
		}
		key := strings.Join(c.Path[:n], " ")
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
