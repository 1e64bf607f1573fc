package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/easelhq/easel/internal/canvas"
	"github.com/easelhq/easel/internal/history"
	"github.com/easelhq/easel/internal/role"
	"github.com/easelhq/easel/internal/signal"
)

// Late-joiner handshake tuning. The request is re-sent with exponential
// backoff until the platform data arrives or the context is cancelled.
const (
	syncInitialBackoff = 500 * time.Millisecond
	syncMaxBackoff     = 5 * time.Second
)

// Platform is one participant's replica of a drawing session: the canvas,
// the two-scope history, the view of co-members and their roles, and the
// set of directly connected peers. Remote messages mutate it only after
// passing the same role checks a local action would.
type Platform struct {
	sessionName string
	username    string
	transport   Transport

	canvas  *canvas.Canvas
	history *history.Engine

	mu       sync.Mutex
	selfRole role.Role
	roster   map[string]role.Role
	peers    map[string]struct{}
	synced   bool
	syncDone chan struct{}
}

func NewPlatform(sessionName, username string, selfRole role.Role, t Transport) *Platform {
	p := &Platform{
		sessionName: sessionName,
		username:    username,
		transport:   t,
		canvas:      canvas.New(),
		history:     history.NewEngine(),
		selfRole:    selfRole,
		roster:      map[string]role.Role{username: selfRole},
		peers:       make(map[string]struct{}),
		syncDone:    make(chan struct{}),
	}

	// Base entry in both histories: the pristine canvas. It is never
	// popped, so undo always has a state left to land on.
	local, global, err := p.canvas.Snapshot()
	if err == nil {
		base := history.NewAction(local, global)
		p.history.Record(history.ScopeLocal, base)
		p.history.Record(history.ScopeGlobal, base)
	}
	return p
}

func (p *Platform) SessionName() string { return p.sessionName }
func (p *Platform) Username() string    { return p.username }

func (p *Platform) Canvas() *canvas.Canvas   { return p.canvas }
func (p *Platform) History() *history.Engine { return p.history }

func (p *Platform) Role() role.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selfRole
}

// SeedMembers installs the roster returned by the join call.
func (p *Platform) SeedMembers(roles map[string]role.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for username, r := range roles {
		p.roster[username] = r
	}
}

// AddPeer records a directly connected peer endpoint.
func (p *Platform) AddPeer(peerKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peerKey] = struct{}{}
}

// RemovePeer discards the channel to a peer. Removing an unknown peer is a
// no-op.
func (p *Platform) RemovePeer(peerKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, peerKey)
}

// Peers returns the keys of all directly connected peers.
func (p *Platform) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.peers))
	for k := range p.peers {
		keys = append(keys, k)
	}
	return keys
}

// Synced reports whether the late-joiner handshake has completed.
func (p *Platform) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// broadcast sends a message to every connected peer. Delivery is best
// effort; a failed send only logs.
func (p *Platform) broadcast(msg *Message) {
	msg.From = p.username
	for _, key := range p.Peers() {
		if err := p.transport.Send(key, msg); err != nil {
			log.Printf("Platform %s: send to %s failed: %v", p.username, key, err)
		}
	}
}

func (p *Platform) senderRole(username string) role.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.roster[username]; ok {
		return r
	}
	return role.Watcher
}

// record snapshots the whole canvas after a mutation. Every edit lands in
// the local history; edits touching a global layer land in the global
// history as well, as the same action, which is what makes the
// cross-invalidation rule bite.
func (p *Platform) record(globalToo bool) error {
	local, global, err := p.canvas.Snapshot()
	if err != nil {
		return err
	}
	a := history.NewAction(local, global)
	p.history.Record(history.ScopeLocal, a)
	if globalToo {
		p.history.Record(history.ScopeGlobal, a)
		h, rd := p.history.GlobalState()
		p.broadcast(&Message{Type: MsgUpdateHistories, GlobalHistory: h, GlobalRedo: rd})
	}
	return nil
}

// AddLayer creates a layer locally and replicates it to all peers.
func (p *Platform) AddLayer(scope canvas.Scope) (*canvas.Layer, error) {
	l, err := p.canvas.AddLayer(scope, p.username, p.Role())
	if err != nil {
		return nil, err
	}
	if err := p.replicateLayer(l, scope == canvas.ScopeGlobal); err != nil {
		return nil, err
	}
	return l, nil
}

// CommitLayer overwrites a layer's content, snapshots, and replicates.
func (p *Platform) CommitLayer(name string, content []byte) (*canvas.Layer, error) {
	l, err := p.canvas.SetContent(name, content, p.username, p.Role())
	if err != nil {
		return nil, err
	}
	if err := p.replicateLayer(l, l.Scope == canvas.ScopeGlobal); err != nil {
		return nil, err
	}
	return l, nil
}

func (p *Platform) replicateLayer(l *canvas.Layer, global bool) error {
	if err := p.record(global); err != nil {
		return err
	}
	data, err := canvas.Serialize(l)
	if err != nil {
		return err
	}
	p.broadcast(&Message{Type: MsgReceivedLayer, Layer: data})
	return nil
}

// DeleteLayer removes a layer locally and propagates the removal.
func (p *Platform) DeleteLayer(name string) error {
	l := p.canvas.Layer(name)
	if l == nil {
		return nil
	}
	if err := p.canvas.Delete(name, p.username, p.Role()); err != nil {
		return err
	}
	if err := p.record(l.Scope == canvas.ScopeGlobal); err != nil {
		return err
	}
	p.broadcast(&Message{Type: MsgDeleteLayer, LayerName: name, Scope: string(l.Scope)})
	return nil
}

// SetLayerLocked sets a layer's lock flag and propagates the new value.
// The message carries the value itself, not a toggle, so redelivery and
// reordering cannot flip the flag twice.
func (p *Platform) SetLayerLocked(name string, locked bool) error {
	l := p.canvas.Layer(name)
	if l == nil {
		return nil
	}
	if err := p.canvas.SetLocked(name, locked, p.username, p.Role()); err != nil {
		return err
	}
	p.broadcast(&Message{Type: MsgLockLayer, LayerName: name, Scope: string(l.Scope), Locked: &locked})
	return nil
}

// Undo pops the top of the scope's history, restores the canvas to the new
// top, and tells every peer to do the same. The broadcast carries the
// global state from before the pop: each receiver overwrites its stacks
// with that state and then performs the same pop locally, landing on the
// sender's result.
func (p *Platform) Undo(scope history.Scope) (*history.Action, error) {
	h, rd := p.history.GlobalState()
	a, err := p.applyUndo(scope, p.Role())
	if err != nil {
		return nil, err
	}
	p.broadcast(&Message{
		Type:          MsgUndoLastAction,
		Global:        scope == history.ScopeGlobal,
		GlobalHistory: h,
		GlobalRedo:    rd,
	})
	return a, nil
}

// Redo re-applies the most recently undone action for the scope.
func (p *Platform) Redo(scope history.Scope) (*history.Action, error) {
	h, rd := p.history.GlobalState()
	a, err := p.applyRedo(scope, p.Role())
	if err != nil {
		return nil, err
	}
	p.broadcast(&Message{
		Type:          MsgRedoLastAction,
		Global:        scope == history.ScopeGlobal,
		GlobalHistory: h,
		GlobalRedo:    rd,
	})
	return a, nil
}

func (p *Platform) applyUndo(scope history.Scope, r role.Role) (*history.Action, error) {
	a, err := p.history.Undo(scope, r)
	if err != nil {
		return nil, err
	}
	if err := p.canvas.Restore(a.Local, a.Global); err != nil {
		return nil, err
	}
	return a, nil
}

func (p *Platform) applyRedo(scope history.Scope, r role.Role) (*history.Action, error) {
	a, err := p.history.Redo(scope, r)
	if err != nil {
		return nil, err
	}
	if err := p.canvas.Restore(a.Local, a.Global); err != nil {
		return nil, err
	}
	return a, nil
}

// RequestPlatformData runs the late-joiner handshake against one existing
// peer: the request is re-sent with exponential backoff until the reply
// arrives or ctx expires. Completing once makes later calls no-ops.
func (p *Platform) RequestPlatformData(ctx context.Context, peerKey string) error {
	p.mu.Lock()
	if p.synced {
		p.mu.Unlock()
		return nil
	}
	done := p.syncDone
	p.mu.Unlock()

	backoff := syncInitialBackoff
	for {
		err := p.transport.Send(peerKey, &Message{
			Type:    MsgGetPlatformData,
			From:    p.username,
			ReplyTo: signal.PeerKey(p.sessionName, p.username),
		})
		if err != nil {
			log.Printf("Platform %s: platform data request to %s failed: %v", p.username, peerKey, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-done:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			backoff *= 2
			if backoff > syncMaxBackoff {
				backoff = syncMaxBackoff
			}
		}
	}
}

// HandleMessage applies one remote message to the local replica. Malformed
// or unauthorized messages return an error and leave the replica untouched.
func (p *Platform) HandleMessage(msg *Message) error {
	switch msg.Type {
	case MsgGetPlatformData:
		return p.handleGetPlatformData(msg)
	case MsgGotPlatformData:
		return p.handleGotPlatformData(msg)
	case MsgReceivedLayer:
		return p.handleReceivedLayer(msg)
	case MsgDeleteLayer:
		return p.handleDeleteLayer(msg)
	case MsgLockLayer:
		return p.handleLockLayer(msg)
	case MsgUpdateHistories:
		return p.handleUpdateHistories(msg)
	case MsgUndoLastAction:
		return p.handleRemoteHistoryOp(msg, false)
	case MsgRedoLastAction:
		return p.handleRemoteHistoryOp(msg, true)
	case MsgRemoveConnection:
		p.RemovePeer(signal.PeerKey(p.sessionName, msg.Username))
		return nil
	case MsgChangeRole:
		return p.handleChangeRole(msg)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (p *Platform) handleGetPlatformData(msg *Message) error {
	if msg.ReplyTo == "" {
		return fmt.Errorf("platform data request without replyTo")
	}
	layers, err := p.serializedLayers()
	if err != nil {
		return err
	}
	h, rd := p.history.GlobalState()
	return p.transport.Send(msg.ReplyTo, &Message{
		Type:          MsgGotPlatformData,
		From:          p.username,
		Layers:        layers,
		GlobalHistory: h,
		GlobalRedo:    rd,
	})
}

func (p *Platform) handleGotPlatformData(msg *Message) error {
	if p.Synced() {
		return nil
	}

	// Apply the payload before the handshake is marked complete: a reply
	// that fails to parse or restore must leave the joiner still waiting,
	// so a later well-formed reply can satisfy it.
	local := make(map[string][]byte)
	global := make(map[string][]byte)
	for name, data := range msg.Layers {
		l, err := canvas.Deserialize(data)
		if err != nil {
			return err
		}
		if l.Scope == canvas.ScopeGlobal {
			global[name] = data
		} else {
			local[name] = data
		}
	}
	if err := p.canvas.Restore(local, global); err != nil {
		return err
	}
	p.history.ApplyGlobalState(msg.GlobalHistory, msg.GlobalRedo)

	// The received state becomes the base of the local history.
	if lo, gl, err := p.canvas.Snapshot(); err == nil {
		p.history.Record(history.ScopeLocal, history.NewAction(lo, gl))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.synced {
		return nil
	}
	p.synced = true
	close(p.syncDone)
	return nil
}

func (p *Platform) handleReceivedLayer(msg *Message) error {
	l, err := canvas.Deserialize(msg.Layer)
	if err != nil {
		return err
	}
	r := p.senderRole(msg.From)

	// Check against the replica's copy when one exists so a lock applied
	// here cannot be bypassed by a stale sender.
	subject := p.canvas.Layer(l.Name)
	if subject == nil {
		subject = l
	}
	if err := canvas.RequireEditable(subject, msg.From, r); err != nil {
		return err
	}
	p.canvas.Put(l)
	return nil
}

func (p *Platform) handleDeleteLayer(msg *Message) error {
	return p.canvas.Delete(msg.LayerName, msg.From, p.senderRole(msg.From))
}

func (p *Platform) handleLockLayer(msg *Message) error {
	if msg.Locked == nil {
		return fmt.Errorf("lock message without value")
	}
	return p.canvas.SetLocked(msg.LayerName, *msg.Locked, msg.From, p.senderRole(msg.From))
}

// handleUpdateHistories overwrites the global stacks with a peer's state.
// Any member who may edit a global layer produces these, so the gate is
// Contributor, not Owner; undo and redo of the global scope stay
// Owner-only in handleRemoteHistoryOp.
func (p *Platform) handleUpdateHistories(msg *Message) error {
	if err := role.RequireContributor(p.senderRole(msg.From)); err != nil {
		return err
	}
	p.history.ApplyGlobalState(msg.GlobalHistory, msg.GlobalRedo)
	return nil
}

// handleRemoteHistoryOp applies an undo or redo initiated elsewhere: first
// the attached global history overwrite, then the operation itself without
// re-broadcasting, which would otherwise echo between peers forever.
func (p *Platform) handleRemoteHistoryOp(msg *Message, redo bool) error {
	r := p.senderRole(msg.From)
	scope := history.ScopeLocal
	if msg.Global {
		scope = history.ScopeGlobal
		if err := role.RequireOwner(r); err != nil {
			return err
		}
	} else if err := role.RequireContributor(r); err != nil {
		return err
	}

	p.history.ApplyGlobalState(msg.GlobalHistory, msg.GlobalRedo)

	var err error
	if redo {
		_, err = p.applyRedo(scope, r)
	} else {
		_, err = p.applyUndo(scope, r)
	}
	return err
}

func (p *Platform) handleChangeRole(msg *Message) error {
	if err := role.RequireOwner(p.senderRole(msg.From)); err != nil {
		return err
	}
	newRole := role.Parse(msg.Role)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.roster[msg.Username] = newRole
	if msg.Username == p.username {
		p.selfRole = newRole
	}
	return nil
}

// serializedLayers flattens the canvas into one name-to-blob map.
func (p *Platform) serializedLayers() (map[string]json.RawMessage, error) {
	local, global, err := p.canvas.Snapshot()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(local)+len(global))
	for name, data := range local {
		out[name] = data
	}
	for name, data := range global {
		out[name] = data
	}
	return out, nil
}

// SnapshotJSON captures the full canvas for the snapshot store.
func (p *Platform) SnapshotJSON() ([]byte, error) {
	layers, err := p.serializedLayers()
	if err != nil {
		return nil, err
	}
	return json.Marshal(layers)
}
