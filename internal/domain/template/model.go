package template

import (
	"time"

	"github.com/google/uuid"
)

// TagFreeText marks an element whose answers are unstructured clinical prose.
// Those answers are encrypted at rest.
const TagFreeText = "freeText"

// Element is one form element of a template version as stored and exchanged.
type Element struct {
	ID              string    `json:"id" yaml:"id"`
	Tags            []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	SubFormElements []Element `json:"sub_form_elements,omitempty" yaml:"sub_form_elements,omitempty"`
}

// Version maps to the template_version table.
type Version struct {
	ID        uuid.UUID `db:"id" json:"id" yaml:"-"`
	Code      string    `db:"code" json:"code" yaml:"code"`
	Version   int       `db:"version" json:"version" yaml:"version"`
	Title     *string   `db:"title" json:"title,omitempty" yaml:"title,omitempty"`
	Elements  []Element `db:"elements" json:"elements" yaml:"elements"`
	CreatedAt time.Time `db:"created_at" json:"created_at" yaml:"-"`
}

// Node is the immutable in-memory form of an element tree.
type Node struct {
	ID       string
	Tags     map[string]bool
	Children []*Node
}

// Protected reports whether the node carries the free-text tag.
func (n *Node) Protected() bool {
	return n != nil && n.Tags[TagFreeText]
}

func newNode(e Element) *Node {
	n := &Node{ID: e.ID, Tags: make(map[string]bool, len(e.Tags))}
	for _, t := range e.Tags {
		n.Tags[t] = true
	}
	for _, child := range e.SubFormElements {
		n.Children = append(n.Children, newNode(child))
	}
	return n
}

// Schema is a loaded template version ready for classification. It is built
// once per template version and only read afterwards.
type Schema struct {
	Code    string
	Version int
	root    *Node
}

// NewSchema builds the node tree for v. The root node has an empty id and the
// top-level elements as children.
func NewSchema(v *Version) *Schema {
	root := &Node{Tags: map[string]bool{}}
	for _, e := range v.Elements {
		root.Children = append(root.Children, newNode(e))
	}
	return &Schema{Code: v.Code, Version: v.Version, root: root}
}

// Root returns the top of the element tree.
func (s *Schema) Root() *Node { return s.root }
