package canvas

import (
	"encoding/json"
	"fmt"

	"github.com/easelhq/easel/internal/role"
)

// Scope of a layer: global layers are shared session-wide, local layers
// belong to a single member.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeLocal  Scope = "local"
)

// The fixed name of the one global layer every canvas must keep.
const BackgroundLayer = "background"

// A single drawable layer. Content is an opaque blob owned by the rendering
// side; the sync core only moves it around.
type Layer struct {
	Name    string          `json:"name"`
	Scope   Scope           `json:"scope"`
	Owner   string          `json:"owner,omitempty"`
	Locked  bool            `json:"locked"`
	ZIndex  int             `json:"zIndex"`
	Content json.RawMessage `json:"content,omitempty"`
}

// serialVersion is bumped when the serialized layer layout changes.
const serialVersion = 1

type serialLayer struct {
	V int `json:"v"`
	Layer
}

// Serialize encodes a layer into its versioned wire form.
func Serialize(l *Layer) ([]byte, error) {
	return json.Marshal(serialLayer{V: serialVersion, Layer: *l})
}

// Deserialize decodes a layer from its wire form, rejecting unknown versions.
func Deserialize(data []byte) (*Layer, error) {
	var s serialLayer
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.V != serialVersion {
		return nil, fmt.Errorf("unsupported layer version %d", s.V)
	}
	l := s.Layer
	return &l, nil
}

// RequireEditable checks whether a member may draw on a layer: Contributor
// or above, the layer unlocked, and local layers only editable by their
// owner unless the member is a session owner.
func RequireEditable(l *Layer, username string, r role.Role) error {
	if err := role.RequireContributor(r); err != nil {
		return err
	}
	if l.Locked {
		return role.ErrLayerLocked
	}
	if l.Scope == ScopeLocal && l.Owner != username && r != role.Owner {
		return role.ErrLayerNotOwned
	}
	return nil
}

// RequireLayerOwner checks whether a member may administer (lock, delete) a
// layer: session owners always may, otherwise the layer must be a local
// layer belonging to the member.
func RequireLayerOwner(l *Layer, username string, r role.Role) error {
	if r == role.Owner {
		return nil
	}
	if l.Scope == ScopeLocal && l.Owner == username {
		return nil
	}
	return role.ErrPermissionDenied
}
