package dom

import (
	"errors"
	"slices"
	"strings"
)

// ErrHierarchy is returned when an edit would produce an invalid tree: a
// text node as parent, a node inserted into its own subtree, a reference node
// that is not a child, or a node from another document.
var ErrHierarchy = errors.New("dom: hierarchy request error")

// Document owns a tree of nodes rooted at an element and records every edit.
type Document struct {
	root   *Node
	nextID NodeID

	// attached indexes every node reachable from root by id.
	attached map[NodeID]*Node

	pending   []MutationRecord
	observers []*Observer
	listeners []func(Batch)

	// remote marks records produced inside [Document.ApplyRemote].
	remote bool
}

// NewDocument creates an empty document whose root element carries classes.
func NewDocument(classes ...string) *Document {
	d := &Document{attached: make(map[NodeID]*Node)}
	d.root = d.CreateElement(classes...)
	d.attached[d.root.id] = d.root
	return d
}

// Root returns the document's root element.
func (d *Document) Root() *Node { return d.root }

// Lookup returns the attached node with the given id, or nil.
func (d *Document) Lookup(id NodeID) *Node {
	return d.attached[id]
}

// CreateElement returns a new detached element with the given class names.
func (d *Document) CreateElement(classes ...string) *Node {
	d.nextID++
	return &Node{id: d.nextID, typ: ElementNode, classes: slices.Clone(classes), doc: d}
}

// CreateText returns a new detached text node holding data.
func (d *Document) CreateText(data string) *Node {
	d.nextID++
	return &Node{id: d.nextID, typ: TextNode, data: data, doc: d}
}

// ApplyRemote runs fn and marks every record it produces as remote. Bridges
// use it to tell host-originated edits from engine-originated ones.
func (d *Document) ApplyRemote(fn func()) {
	prev := d.remote
	d.remote = true
	defer func() { d.remote = prev }()
	fn()
}

// AppendChild appends child to parent, detaching it from any previous parent.
func (d *Document) AppendChild(parent, child *Node) error {
	return d.InsertBefore(parent, child, nil)
}

// InsertBefore inserts child into parent before ref. A nil ref appends.
func (d *Document) InsertBefore(parent, child, ref *Node) error {
	if err := d.checkInsert(parent, child); err != nil {
		return err
	}
	if ref != nil && (ref.parent != parent || ref == child) {
		return ErrHierarchy
	}
	if child.parent != nil {
		d.detach(child)
	}
	idx := len(parent.children)
	if ref != nil {
		idx = parent.indexOf(ref)
	}
	var prev *Node
	if idx > 0 {
		prev = parent.children[idx-1]
	}
	parent.children = slices.Insert(parent.children, idx, child)
	child.parent = parent
	d.index(parent, child)
	d.record(MutationRecord{
		Type:     ChildList,
		Target:   parent,
		Added:    []*Node{child},
		Previous: prev,
		Next:     ref,
	})
	return nil
}

// RemoveChild removes child from parent.
func (d *Document) RemoveChild(parent, child *Node) error {
	if parent == nil || child == nil || child.parent != parent {
		return ErrHierarchy
	}
	d.detach(child)
	return nil
}

// Remove detaches n from its parent. Detached nodes are left untouched.
func (d *Document) Remove(n *Node) {
	if n == nil || n.parent == nil {
		return
	}
	d.detach(n)
}

// ReplaceWith replaces old by nodes, in order, at old's position. The edit is
// recorded as a single child-list record on old's parent.
func (d *Document) ReplaceWith(old *Node, nodes ...*Node) error {
	if old == nil || old.parent == nil || old.doc != d {
		return ErrHierarchy
	}
	parent := old.parent
	for _, n := range nodes {
		if err := d.checkInsert(parent, n); err != nil {
			return err
		}
		if n == old {
			return ErrHierarchy
		}
	}
	for _, n := range nodes {
		if n.parent != nil {
			d.detach(n)
		}
	}
	idx := parent.indexOf(old)
	var prev, next *Node
	if idx > 0 {
		prev = parent.children[idx-1]
	}
	if idx+1 < len(parent.children) {
		next = parent.children[idx+1]
	}
	parent.children = slices.Replace(parent.children, idx, idx+1, nodes...)
	old.parent = nil
	d.unindex(parent, old)
	for _, n := range nodes {
		n.parent = parent
		d.index(parent, n)
	}
	d.record(MutationRecord{
		Type:     ChildList,
		Target:   parent,
		Added:    slices.Clone(nodes),
		Removed:  []*Node{old},
		Previous: prev,
		Next:     next,
	})
	return nil
}

// SetData replaces the character data of text node n.
func (d *Document) SetData(n *Node, data string) error {
	if n == nil || n.typ != TextNode || n.doc != d {
		return ErrHierarchy
	}
	if n.data == data {
		return nil
	}
	old := n.data
	n.data = data
	d.record(MutationRecord{Type: CharacterData, Target: n, OldValue: old})
	return nil
}

// AddClass adds class c to element n. Existing classes are not duplicated.
func (d *Document) AddClass(n *Node, c string) {
	if n == nil || n.typ != ElementNode || n.HasClass(c) {
		return
	}
	old := strings.Join(n.classes, " ")
	n.classes = append(n.classes, c)
	d.record(MutationRecord{Type: Attributes, Target: n, AttributeName: "class", OldValue: old})
}

// RemoveClass removes class c from element n.
func (d *Document) RemoveClass(n *Node, c string) {
	if n == nil || !n.HasClass(c) {
		return
	}
	old := strings.Join(n.classes, " ")
	n.classes = slices.DeleteFunc(n.classes, func(s string) bool { return s == c })
	d.record(MutationRecord{Type: Attributes, Target: n, AttributeName: "class", OldValue: old})
}

// SetClasses replaces the class list of element n.
func (d *Document) SetClasses(n *Node, classes ...string) {
	if n == nil || n.typ != ElementNode || slices.Equal(n.classes, classes) {
		return
	}
	old := strings.Join(n.classes, " ")
	n.classes = slices.Clone(classes)
	d.record(MutationRecord{Type: Attributes, Target: n, AttributeName: "class", OldValue: old})
}

func (d *Document) checkInsert(parent, child *Node) error {
	if parent == nil || child == nil {
		return ErrHierarchy
	}
	if parent.typ != ElementNode || parent.doc != d || child.doc != d {
		return ErrHierarchy
	}
	if child.Contains(parent) {
		return ErrHierarchy
	}
	return nil
}

// detach unlinks n from its parent and records the removal.
func (d *Document) detach(n *Node) {
	parent := n.parent
	idx := parent.indexOf(n)
	var prev, next *Node
	if idx > 0 {
		prev = parent.children[idx-1]
	}
	if idx+1 < len(parent.children) {
		next = parent.children[idx+1]
	}
	parent.children = slices.Delete(parent.children, idx, idx+1)
	n.parent = nil
	d.unindex(parent, n)
	d.record(MutationRecord{
		Type:     ChildList,
		Target:   parent,
		Removed:  []*Node{n},
		Previous: prev,
		Next:     next,
	})
}

// index adds n's subtree to the id index when parent is attached.
func (d *Document) index(parent, n *Node) {
	if d.attached[parent.id] != parent {
		return
	}
	n.Walk(func(c *Node) bool {
		d.attached[c.id] = c
		return true
	})
}

// unindex drops n's subtree from the id index when parent was attached.
func (d *Document) unindex(parent, n *Node) {
	if d.attached[parent.id] != parent {
		return
	}
	n.Walk(func(c *Node) bool {
		delete(d.attached, c.id)
		return true
	})
}

func (d *Document) record(r MutationRecord) {
	if len(d.observers) == 0 && len(d.listeners) == 0 {
		return
	}
	r.Remote = d.remote
	d.pending = append(d.pending, r)
}
