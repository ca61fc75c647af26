package hostbridge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/lexicaption/pkg/dom"
)

// engineRefPrefix marks refs of nodes the engine created. Hosts may not use it.
const engineRefPrefix = "lx:"

var errUnknownNode = errors.New("hostbridge: unknown node")

// mirror maps host refs onto document nodes and turns the engine's own edits
// into patches. A node is known once the host has created it or the engine
// has sent it in full.
//
// apply, reset and patch run on the engine loop. nodeID is called from the
// connection's read goroutine, hence the mutex.
type mirror struct {
	mu    sync.Mutex
	byRef map[string]*dom.Node
	refs  map[dom.NodeID]string
}

func newMirror() *mirror {
	return &mirror{
		byRef: make(map[string]*dom.Node),
		refs:  make(map[dom.NodeID]string),
	}
}

// ── Refs ─────────────────────────────────────────────────────────────────────

func engineRef(id dom.NodeID) string {
	return engineRefPrefix + strconv.FormatUint(uint64(id), 10)
}

func isRoot(n *dom.Node) bool { return n.Document().Root() == n }

func (m *mirror) refLocked(n *dom.Node) string {
	if isRoot(n) {
		return RootRef
	}
	if r, ok := m.refs[n.ID()]; ok {
		return r
	}
	return engineRef(n.ID())
}

func (m *mirror) knownLocked(n *dom.Node) bool {
	if isRoot(n) {
		return true
	}
	_, ok := m.refs[n.ID()]
	return ok
}

func (m *mirror) register(n *dom.Node, ref string) {
	m.byRef[ref] = n
	m.refs[n.ID()] = ref
}

func (m *mirror) forgetSubtree(n *dom.Node) {
	n.Walk(func(d *dom.Node) bool {
		if r, ok := m.refs[d.ID()]; ok {
			delete(m.byRef, r)
			delete(m.refs, d.ID())
		}
		return true
	})
}

// anchorRef returns the ref the host knows node id by.
func (m *mirror) anchorRef(id dom.NodeID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.refs[id]; ok {
		return r
	}
	return engineRef(id)
}

// nodeID resolves ref to a node ID without touching the tree.
func (m *mirror) nodeID(ref string) (dom.NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byRef[ref]
	if !ok {
		return 0, fmt.Errorf("%w %q", errUnknownNode, ref)
	}
	return n.ID(), nil
}

// Len returns the number of known nodes.
func (m *mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byRef)
}

// ── Host edits ───────────────────────────────────────────────────────────────

func (m *mirror) resolveLocked(doc *dom.Document, ref string) (*dom.Node, error) {
	if ref == "" || ref == RootRef {
		return doc.Root(), nil
	}
	n, ok := m.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownNode, ref)
	}
	return n, nil
}

// build creates the detached subtree described by spec and registers every
// node in it. Nothing stays registered when it fails.
func (m *mirror) build(doc *dom.Document, spec NodeSpec) (*dom.Node, error) {
	var built []*dom.Node
	n, err := m.buildNode(doc, spec, &built)
	if err != nil {
		for _, b := range built {
			delete(m.byRef, m.refs[b.ID()])
			delete(m.refs, b.ID())
		}
		return nil, err
	}
	return n, nil
}

func (m *mirror) buildNode(doc *dom.Document, spec NodeSpec, built *[]*dom.Node) (*dom.Node, error) {
	switch {
	case spec.ID == "" || spec.ID == RootRef:
		return nil, fmt.Errorf("hostbridge: invalid node id %q", spec.ID)
	case strings.HasPrefix(spec.ID, engineRefPrefix):
		return nil, fmt.Errorf("hostbridge: node id %q uses the reserved prefix %q", spec.ID, engineRefPrefix)
	}
	if _, dup := m.byRef[spec.ID]; dup {
		return nil, fmt.Errorf("hostbridge: duplicate node id %q", spec.ID)
	}

	var n *dom.Node
	switch spec.Kind {
	case KindText:
		if len(spec.Children) > 0 {
			return nil, fmt.Errorf("hostbridge: text node %q has children", spec.ID)
		}
		n = doc.CreateText(spec.Text)
	case KindElement, "":
		n = doc.CreateElement(spec.Classes...)
	default:
		return nil, fmt.Errorf("hostbridge: node %q has unknown kind %q", spec.ID, spec.Kind)
	}
	m.register(n, spec.ID)
	*built = append(*built, n)

	for _, cs := range spec.Children {
		child, err := m.buildNode(doc, cs, built)
		if err != nil {
			return nil, err
		}
		if err := doc.AppendChild(n, child); err != nil {
			return nil, fmt.Errorf("hostbridge: append %q to %q: %w", cs.ID, spec.ID, err)
		}
	}
	return n, nil
}

// apply performs one host edit on doc.
func (m *mirror) apply(doc *dom.Document, op Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch op.Op {
	case OpInsert:
		if op.Spec == nil {
			return errors.New("hostbridge: insert without spec")
		}
		parent, err := m.resolveLocked(doc, op.Parent)
		if err != nil {
			return err
		}
		var before *dom.Node
		if op.Before != "" {
			if before, err = m.resolveLocked(doc, op.Before); err != nil {
				return err
			}
		}
		n, err := m.build(doc, *op.Spec)
		if err != nil {
			return err
		}
		if err := doc.InsertBefore(parent, n, before); err != nil {
			m.forgetSubtree(n)
			return fmt.Errorf("hostbridge: insert %q: %w", op.Spec.ID, err)
		}
		return nil

	case OpRemove:
		n, err := m.resolveLocked(doc, op.Node)
		if err != nil {
			return err
		}
		if isRoot(n) {
			return errors.New("hostbridge: cannot remove the root")
		}
		doc.Remove(n)
		return nil

	case OpText:
		if op.Text == nil {
			return errors.New("hostbridge: text op without text")
		}
		n, err := m.resolveLocked(doc, op.Node)
		if err != nil {
			return err
		}
		if err := doc.SetData(n, *op.Text); err != nil {
			return fmt.Errorf("hostbridge: set text of %q: %w", op.Node, err)
		}
		return nil

	case OpClass:
		n, err := m.resolveLocked(doc, op.Node)
		if err != nil {
			return err
		}
		if !n.IsElement() {
			return fmt.Errorf("hostbridge: %q is not an element", op.Node)
		}
		doc.SetClasses(n, op.Classes...)
		return nil

	default:
		return fmt.Errorf("hostbridge: unknown op %q", op.Op)
	}
}

// reset replaces every child of the root by the subtrees in specs.
func (m *mirror) reset(doc *dom.Document, specs []NodeSpec) error {
	for _, c := range doc.Root().Children() {
		doc.Remove(c)
	}
	m.mu.Lock()
	clear(m.byRef)
	clear(m.refs)
	m.mu.Unlock()

	for i := range specs {
		if err := m.apply(doc, Op{Op: OpInsert, Spec: &specs[i]}); err != nil {
			return err
		}
	}
	return nil
}

// ── Engine edits ─────────────────────────────────────────────────────────────

// patch turns the engine's edits in b into ops and forgets every node b
// detached for good. Child lists are sent whole so that applying a patch
// twice is harmless; unknown children are sent in full and become known.
func (m *mirror) patch(b dom.Batch) []Op {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct {
		n *dom.Node
		t dom.MutationType
	}
	var (
		parents, texts, classed []*dom.Node
		seen                    = make(map[key]bool)
	)
	mark := func(n *dom.Node, t dom.MutationType, list *[]*dom.Node) {
		if seen[key{n, t}] {
			return
		}
		seen[key{n, t}] = true
		*list = append(*list, n)
	}
	for _, rec := range b {
		if rec.Remote || !rec.Target.Attached() || !m.knownLocked(rec.Target) {
			continue
		}
		switch rec.Type {
		case dom.ChildList:
			mark(rec.Target, rec.Type, &parents)
		case dom.CharacterData:
			mark(rec.Target, rec.Type, &texts)
		case dom.Attributes:
			mark(rec.Target, rec.Type, &classed)
		}
	}

	var ops []Op
	for _, p := range parents {
		children := p.Children()
		specs := make([]NodeSpec, 0, len(children))
		for _, c := range children {
			specs = append(specs, m.specLocked(c))
		}
		ops = append(ops, Op{Op: OpChildren, Node: m.refLocked(p), Children: specs})
	}
	for _, n := range texts {
		data := n.Data()
		ops = append(ops, Op{Op: OpText, Node: m.refLocked(n), Text: &data})
	}
	for _, n := range classed {
		ops = append(ops, Op{Op: OpClass, Node: m.refLocked(n), Classes: n.Classes()})
	}

	for _, rec := range b {
		for _, n := range rec.Removed {
			if !n.Attached() {
				m.forgetSubtree(n)
			}
		}
	}
	return ops
}

// specLocked returns a reference to a known node, or the full subtree of an
// unknown one, registering it.
func (m *mirror) specLocked(n *dom.Node) NodeSpec {
	if m.knownLocked(n) {
		return NodeSpec{ID: m.refLocked(n)}
	}
	ref := engineRef(n.ID())
	m.register(n, ref)
	if n.IsText() {
		return NodeSpec{ID: ref, Kind: KindText, Text: n.Data()}
	}
	spec := NodeSpec{ID: ref, Kind: KindElement, Classes: n.Classes()}
	for _, c := range n.Children() {
		spec.Children = append(spec.Children, m.specLocked(c))
	}
	return spec
}
