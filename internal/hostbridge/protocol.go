package hostbridge

import (
	"encoding/json"

	"github.com/MrWong99/lexicaption/pkg/lexical"
)

// Message types sent by the host.
const (
	TypeSnapshot = "snapshot"
	TypeMutate   = "mutate"
	TypeKeyDown  = "keydown"
	TypeKeyUp    = "keyup"
	TypeBlur     = "blur"
	TypeHover    = "hover"
	TypeClick    = "click"
	TypeDismiss  = "dismiss"
	TypePlay     = "play"
	TypeAudioAck = "audio_ack"
)

// Message types sent by the engine.
const (
	TypeHello      = "hello"
	TypePatch      = "patch"
	TypePanel      = "panel"
	TypeAudio      = "audio"
	TypePlayResult = "play_result"
	TypeError      = "error"
)

// Node kinds in a [NodeSpec].
const (
	KindElement = "element"
	KindText    = "text"
)

// Mutation and patch operations.
const (
	OpInsert   = "insert"
	OpRemove   = "remove"
	OpText     = "text"
	OpClass    = "class"
	OpChildren = "children"
)

// Panel states.
const (
	PanelLoading = "loading"
	PanelEntry   = "entry"
	PanelError   = "error"
	PanelClosed  = "closed"
)

// RootRef addresses the document root. An empty ref does too.
const RootRef = "root"

// envelope is decoded first to find the message type.
type envelope struct {
	Type string `json:"type"`
}

// NodeSpec describes a node and, for elements, its subtree. A spec that
// carries only an ID refers to a node the receiver already knows.
type NodeSpec struct {
	ID       string     `json:"id"`
	Kind     string     `json:"kind,omitempty"`
	Classes  []string   `json:"classes,omitempty"`
	Text     string     `json:"text,omitempty"`
	Children []NodeSpec `json:"children,omitempty"`
}

// Op is one tree edit. Which fields are set depends on Op.
type Op struct {
	Op     string `json:"op"`
	Node   string `json:"node,omitempty"`
	Parent string `json:"parent,omitempty"`
	Before string `json:"before,omitempty"`

	Spec     *NodeSpec  `json:"spec,omitempty"`
	Text     *string    `json:"text,omitempty"`
	Classes  []string   `json:"classes,omitempty"`
	Children []NodeSpec `json:"children,omitempty"`
}

// ── Host → engine ────────────────────────────────────────────────────────────

// SnapshotMessage replaces the whole mirrored tree.
type SnapshotMessage struct {
	Type  string     `json:"type"`
	Nodes []NodeSpec `json:"nodes"`
}

// MutateMessage carries host edits, applied in order as one batch.
type MutateMessage struct {
	Type string `json:"type"`
	Ops  []Op   `json:"ops"`
}

// KeyMessage reports a key press or release.
type KeyMessage struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// PointerMessage reports a hover or click on a node.
type PointerMessage struct {
	Type string `json:"type"`
	Node string `json:"node"`
}

// PlayMessage asks for the pronunciation at Locator.
type PlayMessage struct {
	Type    string `json:"type"`
	Locator string `json:"locator"`
}

// AudioAckMessage reports the outcome of an [AudioMessage].
type AudioAckMessage struct {
	Type  string `json:"type"`
	ID    uint64 `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ── Engine → host ────────────────────────────────────────────────────────────

// HelloMessage is sent once after the connection is accepted.
type HelloMessage struct {
	Type string `json:"type"`

	// Session identifies the connection in server logs and traces.
	Session string `json:"session"`

	ContainerClasses []string `json:"containerClasses"`
	TokenClass       string   `json:"tokenClass"`
	SelectedClass    string   `json:"selectedClass"`
	ModifierKey      string   `json:"modifierKey"`
}

// PatchMessage carries the engine's own edits of the tree.
type PatchMessage struct {
	Type string `json:"type"`
	Ops  []Op   `json:"ops"`
}

// PanelMessage shows, updates or closes the lookup panel.
type PanelMessage struct {
	Type    string         `json:"type"`
	State   string         `json:"state"`
	Anchor  string         `json:"anchor,omitempty"`
	Text    string         `json:"text,omitempty"`
	Query   string         `json:"query,omitempty"`
	Entry   *lexical.Entry `json:"entry,omitempty"`
	Message string         `json:"message,omitempty"`
}

// AudioMessage delivers a clip for the host to play. It must be answered
// with an [AudioAckMessage] carrying the same ID.
type AudioMessage struct {
	Type        string `json:"type"`
	ID          uint64 `json:"id"`
	Locator     string `json:"locator"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// PlayResultMessage answers a [PlayMessage].
type PlayResultMessage struct {
	Type    string `json:"type"`
	Locator string `json:"locator"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// ErrorMessage reports a host message that could not be applied.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func decode[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
