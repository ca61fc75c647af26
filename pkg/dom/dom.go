// Package dom provides a minimal mirror of a host document tree: element and
// text nodes, structural edits, and mutation records delivered in batches.
//
// The tree is the engine's view of a subtree owned by a third-party renderer.
// Host edits are applied to the mirror (typically by a bridge), engine edits
// are made directly, and every edit is recorded as a [MutationRecord]. Records
// accumulate until [Document.Flush] delivers them as one [Batch] to every
// [Observer] and listener, mirroring the browser's MutationObserver model.
//
// A Document and its nodes are NOT safe for concurrent use. All reads and
// writes must happen on one goroutine (see internal/sched.Loop).
package dom

import (
	"slices"
	"strings"
)

// NodeID identifies a node for the lifetime of its [Document]. IDs are never
// reused.
type NodeID uint64

// NodeType distinguishes element nodes from text nodes.
type NodeType int

const (
	// ElementNode is a node that can hold children and class names.
	ElementNode NodeType = iota + 1

	// TextNode is a leaf holding character data.
	TextNode
)

// String returns the human-readable name of the node type.
func (t NodeType) String() string {
	switch t {
	case ElementNode:
		return "element"
	case TextNode:
		return "text"
	default:
		return "unknown"
	}
}

// Node is a single element or text node in a [Document].
type Node struct {
	id       NodeID
	typ      NodeType
	classes  []string
	data     string
	parent   *Node
	children []*Node
	doc      *Document
}

// ID returns the node's document-unique identifier.
func (n *Node) ID() NodeID { return n.id }

// Type returns whether n is an element or a text node.
func (n *Node) Type() NodeType { return n.typ }

// IsElement reports whether n is an element node.
func (n *Node) IsElement() bool { return n.typ == ElementNode }

// IsText reports whether n is a text node.
func (n *Node) IsText() bool { return n.typ == TextNode }

// Parent returns the parent node, or nil for the root and detached nodes.
func (n *Node) Parent() *Node { return n.parent }

// Document returns the document that created n.
func (n *Node) Document() *Document { return n.doc }

// Children returns a copy of n's child list in document order.
func (n *Node) Children() []*Node { return slices.Clone(n.children) }

// ChildCount returns the number of direct children.
func (n *Node) ChildCount() int { return len(n.children) }

// ElementChildCount returns the number of direct children that are elements.
func (n *Node) ElementChildCount() int {
	count := 0
	for _, c := range n.children {
		if c.typ == ElementNode {
			count++
		}
	}
	return count
}

// Data returns the character data of a text node. Elements return "".
func (n *Node) Data() string { return n.data }

// Classes returns a copy of the element's class list.
func (n *Node) Classes() []string { return slices.Clone(n.classes) }

// HasClass reports whether the element carries class name c.
func (n *Node) HasClass(c string) bool { return slices.Contains(n.classes, c) }

// HasAnyClass reports whether the element carries at least one of names.
func (n *Node) HasAnyClass(names ...string) bool {
	for _, c := range names {
		if slices.Contains(n.classes, c) {
			return true
		}
	}
	return false
}

// TextContent returns the concatenated character data of n and all its
// descendants in document order.
func (n *Node) TextContent() string {
	if n.typ == TextNode {
		return n.data
	}
	var b strings.Builder
	n.Walk(func(d *Node) bool {
		if d.typ == TextNode {
			b.WriteString(d.data)
		}
		return true
	})
	return b.String()
}

// Walk visits n and its descendants in pre-order. When fn returns false the
// children of the visited node are skipped.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.children {
		c.Walk(fn)
	}
}

// Descendants returns every descendant of n (excluding n) for which match
// returns true, in document order.
func (n *Node) Descendants(match func(*Node) bool) []*Node {
	var out []*Node
	for _, c := range n.children {
		c.Walk(func(d *Node) bool {
			if match(d) {
				out = append(out, d)
			}
			return true
		})
	}
	return out
}

// Closest returns the nearest inclusive ancestor of n for which match returns
// true, or nil when none does.
func (n *Node) Closest(match func(*Node) bool) *Node {
	for cur := n; cur != nil; cur = cur.parent {
		if match(cur) {
			return cur
		}
	}
	return nil
}

// Contains reports whether other is n or one of its descendants.
func (n *Node) Contains(other *Node) bool {
	for cur := other; cur != nil; cur = cur.parent {
		if cur == n {
			return true
		}
	}
	return false
}

// Attached reports whether n is reachable from its document's root.
func (n *Node) Attached() bool {
	return n.doc != nil && n.doc.root.Contains(n)
}

// NextSibling returns the sibling following n, or nil.
func (n *Node) NextSibling() *Node {
	if n.parent == nil {
		return nil
	}
	i := n.parent.indexOf(n)
	if i < 0 || i+1 >= len(n.parent.children) {
		return nil
	}
	return n.parent.children[i+1]
}

func (n *Node) indexOf(child *Node) int {
	return slices.Index(n.children, child)
}
