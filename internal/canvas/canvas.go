package canvas

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/easelhq/easel/internal/role"
)

var ErrCannotDeleteLastLayer = errors.New("cannot delete the last layer")

// Canvas is one participant's replica of the shared drawing surface. It
// tracks layers by name and which layer is currently active. All cross
// participant consistency is handled above it by the peer protocol.
type Canvas struct {
	mu     sync.RWMutex
	layers map[string]*Layer
	active string
}

// New creates a canvas holding the mandatory background layer.
func New() *Canvas {
	c := &Canvas{layers: make(map[string]*Layer)}
	c.layers[BackgroundLayer] = &Layer{
		Name:   BackgroundLayer,
		Scope:  ScopeGlobal,
		ZIndex: 0,
	}
	c.active = BackgroundLayer
	return c
}

// AddLayer creates a new empty layer, names it, stacks it on top and makes
// it active. Creating a global layer requires the Owner role; a local layer
// requires Contributor or above.
func (c *Canvas) AddLayer(scope Scope, username string, r role.Role) (*Layer, error) {
	if err := role.RequireContributor(r); err != nil {
		return nil, err
	}
	if scope == ScopeGlobal {
		if err := role.RequireOwner(r); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	layer := &Layer{
		Name:   c.nextName(scope),
		Scope:  scope,
		ZIndex: c.topZIndex() + 1,
	}
	if scope == ScopeLocal {
		layer.Owner = username
	}
	c.layers[layer.Name] = layer
	c.active = layer.Name
	return layer, nil
}

// nextName probes for the first free generated name in the given scope.
// Callers hold c.mu.
func (c *Canvas) nextName(scope Scope) string {
	prefix := "localLayer"
	if scope == ScopeGlobal {
		prefix = "globalLayer"
	}
	n := c.count(scope)
	for {
		name := fmt.Sprintf("%s%d", prefix, n)
		if _, ok := c.layers[name]; !ok {
			return name
		}
		n++
	}
}

func (c *Canvas) count(scope Scope) int {
	n := 0
	for _, l := range c.layers {
		if l.Scope == scope {
			n++
		}
	}
	return n
}

func (c *Canvas) topZIndex() int {
	top := -1
	for _, l := range c.layers {
		if l.ZIndex > top {
			top = l.ZIndex
		}
	}
	return top
}

// Layer returns the named layer, or nil if it does not exist.
func (c *Canvas) Layer(name string) *Layer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.layers[name]
	if !ok {
		return nil
	}
	clone := *l
	return &clone
}

// Layers returns all layers ordered bottom to top.
func (c *Canvas) Layers() []*Layer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Layer, 0, len(c.layers))
	for _, l := range c.layers {
		clone := *l
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZIndex < out[j].ZIndex })
	return out
}

// ActiveLayer returns the name of the currently active layer.
func (c *Canvas) ActiveLayer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// SetActiveLayer selects an existing layer as the drawing target.
func (c *Canvas) SetActiveLayer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.layers[name]; !ok {
		return false
	}
	c.active = name
	return true
}

// Put replaces the named layer wholesale, destroy and recreate semantics.
// Unknown layers are created, which makes replaying a remote replace
// idempotent.
func (c *Canvas) Put(l *Layer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := *l
	c.layers[clone.Name] = &clone
}

// SetContent overwrites the opaque content blob of a layer after checking
// the member may draw on it.
func (c *Canvas) SetContent(name string, content []byte, username string, r role.Role) (*Layer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.layers[name]
	if !ok {
		return nil, fmt.Errorf("no such layer %q", name)
	}
	if err := RequireEditable(l, username, r); err != nil {
		return nil, err
	}
	l.Content = append([]byte(nil), content...)
	clone := *l
	return &clone, nil
}

// Delete removes the named layer. Removing a layer that is already gone is
// a no-op so remote deletes can be replayed safely. The last global layer
// and the last layer overall can never be removed.
func (c *Canvas) Delete(name string, username string, r role.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.layers[name]
	if !ok {
		return nil
	}
	if err := RequireLayerOwner(l, username, r); err != nil {
		return err
	}
	if len(c.layers) == 1 {
		return ErrCannotDeleteLastLayer
	}
	if l.Scope == ScopeGlobal && c.count(ScopeGlobal) == 1 {
		return ErrCannotDeleteLastLayer
	}
	delete(c.layers, name)
	if c.active == name {
		c.active = c.topLayerName()
	}
	return nil
}

// SetLocked sets the lock flag on a layer. This is deliberately a set, not
// a toggle, so redelivered lock messages converge instead of flapping.
func (c *Canvas) SetLocked(name string, locked bool, username string, r role.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.layers[name]
	if !ok {
		return nil
	}
	if err := RequireLayerOwner(l, username, r); err != nil {
		return err
	}
	l.Locked = locked
	return nil
}

// Callers hold c.mu.
func (c *Canvas) topLayerName() string {
	top := ""
	topZ := -1
	for _, l := range c.layers {
		if l.ZIndex > topZ {
			top, topZ = l.Name, l.ZIndex
		}
	}
	return top
}

// Snapshot serializes every layer, split by scope, for the history engine.
func (c *Canvas) Snapshot() (local, global map[string][]byte, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	local = make(map[string][]byte)
	global = make(map[string][]byte)
	for name, l := range c.layers {
		data, err := Serialize(l)
		if err != nil {
			return nil, nil, err
		}
		if l.Scope == ScopeGlobal {
			global[name] = data
		} else {
			local[name] = data
		}
	}
	return local, global, nil
}

// Restore discards the current layers and rebuilds the canvas from a
// snapshot. The previously active layer stays active when it still exists,
// otherwise the topmost restored layer is selected.
func (c *Canvas) Restore(local, global map[string][]byte) error {
	layers := make(map[string]*Layer, len(local)+len(global))
	for _, m := range []map[string][]byte{local, global} {
		for name, data := range m {
			l, err := Deserialize(data)
			if err != nil {
				return err
			}
			layers[name] = l
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.layers = layers
	if _, ok := c.layers[c.active]; !ok {
		c.active = c.topLayerName()
	}
	return nil
}
