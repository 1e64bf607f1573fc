package history

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/easelhq/easel/internal/role"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Scope selects which of the two histories an operation works on.
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeGlobal Scope = "global"
)

// MaxEntries bounds each history stack; the oldest entry is evicted when a
// push would exceed it.
const MaxEntries = 20

// Action is an immutable full-canvas snapshot. The ID gives each snapshot
// an identity, which the cross-invalidation rule matches on: the same
// snapshot can sit in both histories, and popping it from one must find it
// in the other.
type Action struct {
	ID     string            `json:"id"`
	Local  map[string][]byte `json:"localLayers"`
	Global map[string][]byte `json:"globalLayers"`
}

// NewAction wraps a pair of serialized layer sets in a fresh identity.
func NewAction(local, global map[string][]byte) *Action {
	return &Action{ID: uuid.NewString(), Local: local, Global: global}
}

type stacks struct {
	history []*Action
	redo    []*Action
}

// Engine holds the local and global undo/redo stacks for one participant.
type Engine struct {
	mu     sync.Mutex
	local  stacks
	global stacks
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) pair(scope Scope) (own, other *stacks) {
	if scope == ScopeGlobal {
		return &e.global, &e.local
	}
	return &e.local, &e.global
}

// Record pushes a snapshot onto the scope's history. A new action
// invalidates all forward history for that scope, so the redo stack is
// cleared.
func (e *Engine) Record(scope Scope, a *Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	own, _ := e.pair(scope)
	own.history = append(own.history, a)
	if len(own.history) > MaxEntries {
		own.history = own.history[1:]
	}
	own.redo = nil
}

func (e *Engine) checkRole(scope Scope, r role.Role) error {
	if err := role.RequireContributor(r); err != nil {
		return err
	}
	if scope == ScopeGlobal {
		return role.RequireOwner(r)
	}
	return nil
}

// Undo pops the top snapshot onto the scope's redo stack and returns the
// snapshot to restore, the new top. The bottom entry is never popped so
// there is always a state left to restore to. The popped snapshot is also
// removed from the other scope's history if it is present there, so neither
// scope can later redo into a state this scope has abandoned.
func (e *Engine) Undo(scope Scope, r role.Role) (*Action, error) {
	if err := e.checkRole(scope, r); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	own, other := e.pair(scope)
	if len(own.history) <= 1 {
		return nil, ErrNothingToUndo
	}

	popped := own.history[len(own.history)-1]
	own.history = own.history[:len(own.history)-1]
	own.redo = append(own.redo, popped)

	for i, a := range other.history {
		if a.ID == popped.ID {
			other.history = append(other.history[:i], other.history[i+1:]...)
			break
		}
	}

	return own.history[len(own.history)-1], nil
}

// Redo moves the most recently undone snapshot back onto the scope's
// history and returns it. If the history was empty before the push (which
// only happens after a remote overwrite), a second entry is consumed so a
// lone base entry is not duplicated.
func (e *Engine) Redo(scope Scope, r role.Role) (*Action, error) {
	if err := e.checkRole(scope, r); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	own, _ := e.pair(scope)
	if len(own.redo) == 0 {
		return nil, ErrNothingToRedo
	}

	a := own.redo[len(own.redo)-1]
	own.redo = own.redo[:len(own.redo)-1]
	own.history = append(own.history, a)

	if len(own.history) == 1 && len(own.redo) > 0 {
		a = own.redo[len(own.redo)-1]
		own.redo = own.redo[:len(own.redo)-1]
		own.history = append(own.history, a)
	}

	return a, nil
}

// Depth reports the current history and redo stack sizes for a scope.
func (e *Engine) Depth(scope Scope) (history, redo int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	own, _ := e.pair(scope)
	return len(own.history), len(own.redo)
}

// GlobalState copies out the global stacks for propagation to peers.
func (e *Engine) GlobalState() (history, redo []*Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	history = append([]*Action(nil), e.global.history...)
	redo = append([]*Action(nil), e.global.redo...)
	return history, redo
}

// ApplyGlobalState replaces the global stacks wholesale with a payload
// received from a peer. Last writer wins; there is no merge. Oversized
// payloads are trimmed to the newest entries.
func (e *Engine) ApplyGlobalState(history, redo []*Action) {
	if len(history) > MaxEntries {
		history = history[len(history)-MaxEntries:]
	}
	if len(redo) > MaxEntries {
		redo = redo[len(redo)-MaxEntries:]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.global.history = append([]*Action(nil), history...)
	e.global.redo = append([]*Action(nil), redo...)
}

// Contains reports whether the scope's history holds the action identity.
func (e *Engine) Contains(scope Scope, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	own, _ := e.pair(scope)
	for _, a := range own.history {
		if a.ID == id {
			return true
		}
	}
	return false
}
