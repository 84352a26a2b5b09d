package template

import "github.com/ehr/rxvault/internal/platform/hipaa"

// Classify searches the tree under root depth-first for fieldID. The first
// node with that id decides: Protected when it carries the free-text tag,
// Passthrough otherwise. Unknown when no node matches; callers treat Unknown
// like Passthrough.
func Classify(root *Node, fieldID string) hipaa.Classification {
	n := find(root, fieldID)
	if n == nil {
		return hipaa.Unknown
	}
	if n.Protected() {
		return hipaa.Protected
	}
	return hipaa.Passthrough
}

// find returns the first descendant of n (n itself excluded) with the id.
func find(n *Node, id string) *Node {
	if n == nil {
		return nil
	}
	for _, child := range n.Children {
		if child.ID == id {
			return child
		}
		if hit := find(child, id); hit != nil {
			return hit
		}
	}
	return nil
}

// Classify classifies a top-level field id.
func (s *Schema) Classify(fieldID string) hipaa.Classification {
	return Classify(s.root, fieldID)
}

// ClassifyIn classifies fieldID found in a nested map reached through the
// parent ids in scope. The lookup starts in the subtree of the innermost
// parent the schema knows about and falls back to the whole tree.
func (s *Schema) ClassifyIn(scope []string, fieldID string) hipaa.Classification {
	node := s.root
	for _, parent := range scope {
		if n := find(node, parent); n != nil {
			node = n
		}
	}
	c := Classify(node, fieldID)
	if c == hipaa.Unknown && node != s.root {
		c = Classify(s.root, fieldID)
	}
	return c
}

// RequiresEncryption reports whether any element of the template is free
// text. Templates without one never need key material.
func (s *Schema) RequiresEncryption() bool {
	return anyProtected(s.root)
}

// ProtectedFields lists the ids of all free-text elements in tree order.
func (s *Schema) ProtectedFields() []string {
	var ids []string
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, child := range n.Children {
			if child.Protected() {
				ids = append(ids, child.ID)
			}
			walk(child)
		}
	}
	walk(s.root)
	return ids
}

func anyProtected(n *Node) bool {
	for _, child := range n.Children {
		if child.Protected() || anyProtected(child) {
			return true
		}
	}
	return false
}
