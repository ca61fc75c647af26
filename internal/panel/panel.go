// Package panel defines how lookup results reach the user: a floating panel
// anchored at the token the lookup started from.
package panel

import (
	"github.com/MrWong99/lexicaption/pkg/dom"
	"github.com/MrWong99/lexicaption/pkg/lexical"
)

// Anchor identifies where a panel is positioned: the origin token's node ID
// and its text, so a host can place the panel next to it.
type Anchor struct {
	NodeID dom.NodeID `json:"nodeId"`
	Text   string     `json:"text"`
}

// AnchorOf returns the anchor for token n. A nil n yields the zero anchor.
func AnchorOf(n *dom.Node) Anchor {
	if n == nil {
		return Anchor{}
	}
	return Anchor{NodeID: n.ID(), Text: n.TextContent()}
}

// Renderer displays panel states. At most one panel is visible: every Show
// call replaces what was shown before.
//
// Methods are called from the engine loop and must not block.
type Renderer interface {
	// ShowLoading shows a placeholder while query is being looked up.
	ShowLoading(a Anchor, query string)

	// ShowEntry replaces the panel content with a completed entry.
	ShowEntry(a Anchor, e *lexical.Entry)

	// ShowError replaces the panel content with a short message.
	ShowError(a Anchor, msg string)

	// Close hides the panel.
	Close()
}

// Nop is a Renderer that discards everything.
type Nop struct{}

func (Nop) ShowLoading(Anchor, string)       {}
func (Nop) ShowEntry(Anchor, *lexical.Entry) {}
func (Nop) ShowError(Anchor, string)         {}
func (Nop) Close()                           {}

var _ Renderer = Nop{}
