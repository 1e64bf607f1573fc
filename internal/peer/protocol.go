package peer

import (
	"encoding/json"

	"github.com/easelhq/easel/internal/history"
)

// Message types exchanged over direct peer channels. The names are part of
// the wire contract.
const (
	MsgGetPlatformData  = "GET_PLATFORM_DATA"
	MsgGotPlatformData  = "GOT_PLATFORM_DATA"
	MsgReceivedLayer    = "RECEIVED_LAYER"
	MsgDeleteLayer      = "DELETE_LAYER"
	MsgLockLayer        = "LOCK_LAYER"
	MsgUpdateHistories  = "UPDATE_HISTORIES"
	MsgUndoLastAction   = "UNDO_LAST_ACTION"
	MsgRedoLastAction   = "REDO_LAST_ACTION"
	MsgRemoveConnection = "REMOVE_CONNECTION"
	MsgChangeRole       = "CHANGE_ROLE"
)

// Message is the single envelope for all peer-to-peer traffic. Only the
// fields relevant to Type are populated.
type Message struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"`

	// GET_PLATFORM_DATA
	ReplyTo string `json:"replyTo,omitempty"`

	// GOT_PLATFORM_DATA: every layer, serialized, keyed by name
	Layers map[string]json.RawMessage `json:"layers,omitempty"`

	// RECEIVED_LAYER
	Layer json.RawMessage `json:"layer,omitempty"`

	// DELETE_LAYER / LOCK_LAYER
	LayerName string `json:"layerName,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Locked    *bool  `json:"locked,omitempty"`

	// UNDO_LAST_ACTION / REDO_LAST_ACTION
	Global bool `json:"global,omitempty"`

	// UPDATE_HISTORIES and piggybacked on undo/redo and platform data
	GlobalHistory []*history.Action `json:"globalHistory,omitempty"`
	GlobalRedo    []*history.Action `json:"globalRedo,omitempty"`

	// REMOVE_CONNECTION / CHANGE_ROLE
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Transport is the reliable ordered point-to-point channel the platform
// sends on. The relay-backed websocket client and the in-memory test mesh
// both satisfy it.
type Transport interface {
	Send(peerKey string, msg *Message) error
}
