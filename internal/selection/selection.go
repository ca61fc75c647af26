// Package selection implements the modifier-drag gesture over rendered tokens
// and the reconstruction of the literal text a token range covers.
package selection

import (
	"slices"
	"strings"

	"github.com/MrWong99/lexicaption/pkg/dom"
)

// State is the gesture state of a [Controller].
type State int

const (
	// Idle means no modifier is held; clicks look up a single token.
	Idle State = iota

	// Selecting means the modifier is held; hovering extends the range.
	Selecting
)

// String returns the human-readable name of the state.
func (s State) String() string {
	if s == Selecting {
		return "selecting"
	}
	return "idle"
}

// Config names the classes the controller matches and writes.
type Config struct {
	TokenClass       string
	ContainerClasses []string
	SelectedClass    string
}

// Invocation is a committed lookup: the literal text to look up, the
// normalized line it came from, and the token it is anchored at.
type Invocation struct {
	Text    string
	Context string
	Origin  *dom.Node
	Tokens  []*dom.Node
}

// Controller tracks one selection gesture at a time. It must be used from the
// goroutine that owns the document.
type Controller struct {
	doc *dom.Document
	cfg Config

	state       State
	anchor      *dom.Node
	highlighted []*dom.Node
}

// New returns an idle controller over doc.
func New(doc *dom.Document, cfg Config) *Controller {
	return &Controller{doc: doc, cfg: cfg}
}

// State returns the current gesture state.
func (c *Controller) State() State { return c.state }

// Anchor returns the anchor token of the current gesture, or nil.
func (c *Controller) Anchor() *dom.Node { return c.anchor }

// Highlighted returns the currently highlighted tokens in document order.
func (c *Controller) Highlighted() []*dom.Node { return slices.Clone(c.highlighted) }

// IsToken reports whether n is a rendered token.
func (c *Controller) IsToken(n *dom.Node) bool {
	return n != nil && n.IsElement() && n.HasClass(c.cfg.TokenClass)
}

func (c *Controller) isContainer(n *dom.Node) bool {
	return n.IsElement() && n.HasAnyClass(c.cfg.ContainerClasses...)
}

// KeyDown starts a gesture. Repeated key-down events while selecting are
// ignored.
func (c *Controller) KeyDown() {
	if c.state == Selecting {
		return
	}
	c.state = Selecting
	c.anchor = nil
}

// KeyUp ends the gesture and clears the highlight.
func (c *Controller) KeyUp() { c.Reset() }

// Reset returns to Idle and clears the highlight. It is called on panel
// dismissal as well.
func (c *Controller) Reset() {
	c.state = Idle
	c.anchor = nil
	c.clearHighlight()
}

// Hover reacts to the pointer entering tok. While selecting, the first hovered
// token becomes the anchor; later ones extend the highlighted range.
func (c *Controller) Hover(tok *dom.Node) {
	if c.state != Selecting || !c.IsToken(tok) {
		return
	}
	if c.anchor == nil || !c.anchor.Attached() {
		c.anchor = tok
		c.highlight([]*dom.Node{tok})
		return
	}
	c.highlight(c.Range(c.anchor, tok))
}

// Click reacts to a click on tok. While selecting with an anchor it commits
// the range from the anchor to tok; when idle it looks up tok alone. A click
// while selecting without an anchor does nothing.
func (c *Controller) Click(tok *dom.Node) (Invocation, bool) {
	if !c.IsToken(tok) {
		return Invocation{}, false
	}
	switch {
	case c.state == Selecting && c.anchor != nil:
		anchor := c.anchor
		tokens := c.Range(anchor, tok)
		c.Reset()
		if len(tokens) == 0 {
			return Invocation{}, false
		}
		return Invocation{
			Text:    ResolveText(c.containerOf(anchor), tokens),
			Context: c.Context(anchor),
			Origin:  tok,
			Tokens:  tokens,
		}, true
	case c.state == Idle:
		c.clearHighlight()
		return Invocation{
			Text:    tok.TextContent(),
			Context: c.Context(tok),
			Origin:  tok,
			Tokens:  []*dom.Node{tok},
		}, true
	default:
		return Invocation{}, false
	}
}

// Range returns the contiguous tokens between a and b, inclusive, in document
// order within a's container. The result does not depend on which of the two
// comes first, and is empty when b lies outside that container.
func (c *Controller) Range(a, b *dom.Node) []*dom.Node {
	scope := c.containerOf(a)
	if scope == nil || !scope.Contains(b) {
		return nil
	}
	all := scope.Descendants(c.IsToken)
	i, j := slices.Index(all, a), slices.Index(all, b)
	if i < 0 || j < 0 {
		return nil
	}
	if i > j {
		i, j = j, i
	}
	return slices.Clone(all[i : j+1])
}

// Context returns the normalized text of tok's container: trimmed, with
// whitespace runs collapsed to single spaces. It is empty outside containers.
func (c *Controller) Context(tok *dom.Node) string {
	ctr := tok.Closest(c.isContainer)
	if ctr == nil {
		return ""
	}
	return NormalizeSpace(ctr.TextContent())
}

// containerOf returns the container enclosing tok, or tok's parent when the
// token sits outside any container.
func (c *Controller) containerOf(tok *dom.Node) *dom.Node {
	if tok == nil {
		return nil
	}
	if ctr := tok.Closest(c.isContainer); ctr != nil {
		return ctr
	}
	return tok.Parent()
}

func (c *Controller) highlight(tokens []*dom.Node) {
	c.clearHighlight()
	for _, t := range tokens {
		c.doc.AddClass(t, c.cfg.SelectedClass)
	}
	c.highlighted = tokens
}

func (c *Controller) clearHighlight() {
	for _, t := range c.highlighted {
		c.doc.RemoveClass(t, c.cfg.SelectedClass)
	}
	c.highlighted = nil
}

// ResolveText reconstructs the literal text spanned by tokens inside scope,
// keeping the original punctuation and spacing between them. It slices the
// scope text from the first occurrence of the first token's text to the end
// of the last occurrence of the last token's text. When either cannot be
// found, or the bounds cross, the token texts are joined with single spaces.
func ResolveText(scope *dom.Node, tokens []*dom.Node) string {
	if len(tokens) == 0 {
		return ""
	}
	words := make([]string, len(tokens))
	for i, t := range tokens {
		words[i] = t.TextContent()
	}
	fallback := strings.Join(words, " ")
	if scope == nil {
		return fallback
	}

	text := scope.TextContent()
	first, last := words[0], words[len(words)-1]
	start := strings.Index(text, first)
	lastAt := strings.LastIndex(text, last)
	if start < 0 || lastAt < 0 {
		return fallback
	}
	end := lastAt + len(last)
	if end < start {
		return fallback
	}
	return text[start:end]
}

// NormalizeSpace trims s and collapses every whitespace run to one space.
func NormalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
