package tree

import (
	"fmt"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Store owns the canonical code hierarchy. All mutating operations keep two
// invariants: a key exists at most once in the tree, and every sibling level
// is ordered by a locale-aware, numeric-aware comparison of code (label as
// fallback), so "A2" sorts before "A10".
type Store struct {
	roots    []*Node
	index    map[string]*Node
	expanded map[string]bool
	coll     *collate.Collator
}

func NewStore() *Store {
	return &Store{
		index:    make(map[string]*Node),
		expanded: make(map[string]bool),
		coll:     collate.New(language.English, collate.Numeric, collate.IgnoreCase),
	}
}

// Reset drops the whole hierarchy and all expansion state.
func (s *Store) Reset() {
	s.roots = nil
	s.index = make(map[string]*Node)
	s.expanded = make(map[string]bool)
}

// Roots returns the top level of the hierarchy in display order.
func (s *Store) Roots() []*Node {
	return s.roots
}

// Find returns the node with the given key, or nil.
func (s *Store) Find(key string) *Node {
	return s.index[key]
}

// Len reports the number of nodes currently in the tree.
func (s *Store) Len() int {
	return len(s.index)
}

// IsExpanded reports whether a node was marked auto-open by a merge.
func (s *Store) IsExpanded(key string) bool {
	return s.expanded[key]
}

// ExpandedKeys returns the keys the UI should render open.
func (s *Store) ExpandedKeys() []string {
	keys := make([]string, 0, len(s.expanded))
	for key := range s.expanded {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Merge applies the fragments to the hierarchy. Missing path segments are
// synthesized from the ancestor descriptors (fragment payload as fallback),
// existing segments are reused and updated in place, and every non-terminal
// segment is marked expanded. Merge is idempotent and independent of
// fragment order: re-applying the same set changes nothing.
func (s *Store) Merge(fragments []Fragment, ancestors map[string]Descriptor, opts MergeOptions) {
	if opts.ClearPrevious {
		s.ClearSearchFlags()
	}
	for _, fragment := range fragments {
		s.apply(fragment, ancestors)
	}
	s.sortAll()
}

func (s *Store) apply(fragment Fragment, ancestors map[string]Descriptor) {
	path := fragment.Path
	if path == "" {
		path = fragment.Key
	}
	segments := splitPath(path)
	if len(segments) == 0 {
		return
	}

	level := &s.roots
	for i, id := range segments {
		terminal := i == len(segments)-1

		node := s.index[id]
		if node == nil {
			node = s.newNode(id, terminal, fragment, ancestors)
			*level = append(*level, node)
			s.index[id] = node
		} else if terminal && fragment.Found {
			node.Data.FoundInSearch = true
		}

		if !terminal {
			// The segment is about to receive descendants.
			node.Leaf = false
			s.expanded[id] = true
		}
		level = &node.Children
	}
}

func (s *Store) newNode(id string, terminal bool, fragment Fragment, ancestors map[string]Descriptor) *Node {
	if desc, ok := ancestors[id]; ok {
		data := desc.Data
		if terminal && fragment.Found {
			data.FoundInSearch = true
		}
		return &Node{
			Key:        id,
			Label:      desc.Label,
			Leaf:       terminal,
			Selectable: desc.Selectable,
			Data:       data,
		}
	}

	// No descriptor: fall back to the fragment payload. For the terminal
	// segment this is the payload proper, for intermediate segments it is
	// the best information available.
	data := fragment.Data
	if terminal && fragment.Found {
		data.FoundInSearch = true
	}
	return &Node{
		Key:        id,
		Label:      fragment.Label,
		Leaf:       terminal,
		Selectable: fragment.Selectable,
		Path:       fragment.Path,
		Data:       data,
	}
}

// SetChildren replaces the children of the given parent with the supplied
// shallow nodes, as returned by the lazy-load collaborator. An empty parent
// key replaces the root level. Re-entrant calls for the same parent are last
// write wins; the replaced subtree is dropped from the key index.
func (s *Store) SetChildren(parentKey string, children []*Node) error {
	if parentKey == "" {
		s.deindexSubtrees(s.roots)
		s.roots = s.adopt(nil, children)
		s.sortLevel(s.roots)
		return nil
	}

	parent := s.index[parentKey]
	if parent == nil {
		return fmt.Errorf("tree: unknown parent %q", parentKey)
	}
	s.deindexSubtrees(parent.Children)
	parent.Children = s.adopt(nil, children)
	if len(parent.Children) > 0 {
		parent.Leaf = false
	}
	s.expanded[parentKey] = true
	s.sortLevel(parent.Children)
	return nil
}

// adopt indexes the incoming nodes, dropping any whose key already exists
// elsewhere in the tree.
func (s *Store) adopt(level []*Node, children []*Node) []*Node {
	for _, child := range children {
		if existing := s.index[child.Key]; existing != nil {
			continue
		}
		s.indexSubtree(child)
		level = append(level, child)
	}
	return level
}

func (s *Store) indexSubtree(root *Node) {
	stack := []*Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		s.index[node.Key] = node
		stack = append(stack, node.Children...)
	}
}

func (s *Store) deindexSubtrees(level []*Node) {
	stack := append([]*Node(nil), level...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		delete(s.index, node.Key)
		stack = append(stack, node.Children...)
	}
}

// ClearSearchFlags resets found_in_search on every node.
func (s *Store) ClearSearchFlags() {
	stack := append([]*Node(nil), s.roots...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node.Data.FoundInSearch = false
		stack = append(stack, node.Children...)
	}
}

// Walk visits every node depth-first in display order.
func (s *Store) Walk(visit func(*Node)) {
	// Explicit stack; visit callbacks must not observe a half-mutated tree,
	// so the walk operates on the node slices as they stand at call time.
	stack := make([]*Node, 0, len(s.roots))
	for i := len(s.roots) - 1; i >= 0; i-- {
		stack = append(stack, s.roots[i])
	}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(node)
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, node.Children[i])
		}
	}
}

func (s *Store) sortAll() {
	s.sortLevel(s.roots)
	stack := append([]*Node(nil), s.roots...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(node.Children) > 0 {
			s.sortLevel(node.Children)
			stack = append(stack, node.Children...)
		}
	}
}

func (s *Store) sortLevel(level []*Node) {
	sort.SliceStable(level, func(i, j int) bool {
		return s.coll.CompareString(sortKey(level[i]), sortKey(level[j])) < 0
	})
}

func sortKey(n *Node) string {
	if n.Data.Code != "" {
		return n.Data.Code
	}
	return n.Label
}
