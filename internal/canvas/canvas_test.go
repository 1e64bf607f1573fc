package canvas

import (
	"bytes"
	"errors"
	"testing"

	"github.com/easelhq/easel/internal/role"
)

func TestNewCanvasHasBackground(t *testing.T) {
	c := New()

	bg := c.Layer(BackgroundLayer)
	if bg == nil {
		t.Fatal("New canvas must have a background layer")
	}
	if bg.Scope != ScopeGlobal {
		t.Error("Background layer must be global")
	}
	if c.ActiveLayer() != BackgroundLayer {
		t.Errorf("Background should start active, got %q", c.ActiveLayer())
	}
}

func TestAddLayerNaming(t *testing.T) {
	c := New()

	l1, err := c.AddLayer(ScopeLocal, "alice", role.Contributor)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	l2, err := c.AddLayer(ScopeLocal, "alice", role.Contributor)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}

	if l1.Name != "localLayer0" || l2.Name != "localLayer1" {
		t.Errorf("Expected localLayer0/localLayer1, got %s/%s", l1.Name, l2.Name)
	}
	if l2.ZIndex <= l1.ZIndex {
		t.Error("New layers must stack on top")
	}
	if l1.Owner != "alice" {
		t.Errorf("Local layer owner should be alice, got %q", l1.Owner)
	}
	if c.ActiveLayer() != l2.Name {
		t.Error("New layer should become active")
	}
}

func TestAddLayerPermissions(t *testing.T) {
	c := New()

	if _, err := c.AddLayer(ScopeLocal, "w", role.Watcher); !errors.Is(err, role.ErrPermissionDenied) {
		t.Errorf("Watcher must not add layers, got %v", err)
	}
	if _, err := c.AddLayer(ScopeGlobal, "bob", role.Contributor); !errors.Is(err, role.ErrPermissionDenied) {
		t.Errorf("Contributor must not add global layers, got %v", err)
	}
	if _, err := c.AddLayer(ScopeGlobal, "alice", role.Owner); err != nil {
		t.Errorf("Owner should add global layers: %v", err)
	}
}

func TestSetContentPermissions(t *testing.T) {
	c := New()
	l, err := c.AddLayer(ScopeLocal, "alice", role.Contributor)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}

	if _, err := c.SetContent(l.Name, []byte(`{"x":1}`), "bob", role.Contributor); !errors.Is(err, role.ErrLayerNotOwned) {
		t.Errorf("A contributor must not edit another member's local layer, got %v", err)
	}
	if _, err := c.SetContent(l.Name, []byte(`{"x":1}`), "owner", role.Owner); err != nil {
		t.Errorf("Owner should override local-layer ownership: %v", err)
	}
	if _, err := c.SetContent(BackgroundLayer, []byte(`{"x":2}`), "bob", role.Contributor); err != nil {
		t.Errorf("Any contributor may edit a global layer: %v", err)
	}
}

func TestLockedLayerRejectsEdits(t *testing.T) {
	c := New()
	if err := c.SetLocked(BackgroundLayer, true, "alice", role.Owner); err != nil {
		t.Fatalf("SetLocked failed: %v", err)
	}

	if _, err := c.SetContent(BackgroundLayer, []byte(`{}`), "alice", role.Owner); !errors.Is(err, role.ErrLayerLocked) {
		t.Errorf("Locked layer must reject edits, got %v", err)
	}

	if err := c.SetLocked(BackgroundLayer, false, "alice", role.Owner); err != nil {
		t.Fatalf("SetLocked failed: %v", err)
	}
	if _, err := c.SetContent(BackgroundLayer, []byte(`{}`), "alice", role.Owner); err != nil {
		t.Errorf("Unlocked layer should accept edits: %v", err)
	}
}

func TestSetLockedIsIdempotent(t *testing.T) {
	c := New()

	// Re-applying the same set message twice must not flip the flag.
	for i := 0; i < 2; i++ {
		if err := c.SetLocked(BackgroundLayer, true, "alice", role.Owner); err != nil {
			t.Fatalf("SetLocked failed: %v", err)
		}
	}
	if !c.Layer(BackgroundLayer).Locked {
		t.Error("Layer should stay locked after duplicate delivery")
	}
}

func TestLockPermissions(t *testing.T) {
	c := New()
	l, err := c.AddLayer(ScopeLocal, "alice", role.Contributor)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}

	if err := c.SetLocked(l.Name, true, "bob", role.Contributor); !errors.Is(err, role.ErrPermissionDenied) {
		t.Errorf("A contributor must not lock another's layer, got %v", err)
	}
	if err := c.SetLocked(l.Name, true, "alice", role.Contributor); err != nil {
		t.Errorf("The layer owner should lock their own layer: %v", err)
	}
	if err := c.SetLocked(BackgroundLayer, true, "bob", role.Contributor); !errors.Is(err, role.ErrPermissionDenied) {
		t.Errorf("Only owners may lock global layers, got %v", err)
	}
}

func TestDeleteGuards(t *testing.T) {
	c := New()

	if err := c.Delete(BackgroundLayer, "alice", role.Owner); !errors.Is(err, ErrCannotDeleteLastLayer) {
		t.Errorf("Deleting the sole layer must fail, got %v", err)
	}

	if _, err := c.AddLayer(ScopeLocal, "alice", role.Owner); err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	// Background is still the only global layer.
	if err := c.Delete(BackgroundLayer, "alice", role.Owner); !errors.Is(err, ErrCannotDeleteLastLayer) {
		t.Errorf("Deleting the last global layer must fail, got %v", err)
	}

	if err := c.Delete("localLayer0", "alice", role.Owner); err != nil {
		t.Errorf("Deleting a spare layer should work: %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	c := New()
	if _, err := c.AddLayer(ScopeLocal, "alice", role.Contributor); err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}

	if err := c.Delete("localLayer0", "alice", role.Contributor); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := c.Delete("localLayer0", "alice", role.Contributor); err != nil {
		t.Errorf("Deleting an absent layer must be a no-op, got %v", err)
	}
}

func TestDeleteReselectsActiveLayer(t *testing.T) {
	c := New()
	l, err := c.AddLayer(ScopeLocal, "alice", role.Contributor)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	if c.ActiveLayer() != l.Name {
		t.Fatalf("Expected %s active", l.Name)
	}

	if err := c.Delete(l.Name, "alice", role.Contributor); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if c.ActiveLayer() != BackgroundLayer {
		t.Errorf("Active layer should fall back to the topmost layer, got %q", c.ActiveLayer())
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	l := &Layer{
		Name:    "localLayer3",
		Scope:   ScopeLocal,
		Owner:   "alice",
		Locked:  true,
		ZIndex:  7,
		Content: []byte(`{"lines":[[0,0],[4,2]]}`),
	}

	data, err := Serialize(l)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	if got.Name != l.Name || got.Scope != l.Scope || got.Owner != l.Owner ||
		got.Locked != l.Locked || got.ZIndex != l.ZIndex {
		t.Errorf("Round trip changed fields: %+v", got)
	}
	if !bytes.Equal(got.Content, l.Content) {
		t.Error("Round trip changed content")
	}
}

func TestDeserializeRejectsUnknownVersion(t *testing.T) {
	if _, err := Deserialize([]byte(`{"v":99,"name":"x"}`)); err == nil {
		t.Error("Unknown serialization versions must be rejected")
	}
}

func TestSnapshotRestore(t *testing.T) {
	c := New()
	if _, err := c.AddLayer(ScopeLocal, "alice", role.Contributor); err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	if _, err := c.SetContent("localLayer0", []byte(`{"p":1}`), "alice", role.Contributor); err != nil {
		t.Fatalf("SetContent failed: %v", err)
	}

	local, global, err := c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(local) != 1 || len(global) != 1 {
		t.Fatalf("Expected 1 local and 1 global layer, got %d/%d", len(local), len(global))
	}

	// Mutate, then restore.
	if _, err := c.SetContent("localLayer0", []byte(`{"p":2}`), "alice", role.Contributor); err != nil {
		t.Fatalf("SetContent failed: %v", err)
	}
	if err := c.Restore(local, global); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	got := c.Layer("localLayer0")
	if got == nil {
		t.Fatal("Restored layer missing")
	}
	if !bytes.Equal(got.Content, []byte(`{"p":1}`)) {
		t.Errorf("Restore should roll content back, got %s", got.Content)
	}
	if c.ActiveLayer() != "localLayer0" {
		t.Errorf("Active layer should survive restore, got %q", c.ActiveLayer())
	}
}

func TestRestoreReselectsActiveWhenGone(t *testing.T) {
	c := New()
	local, global, err := c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if _, err := c.AddLayer(ScopeLocal, "alice", role.Contributor); err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	// Active layer localLayer0 does not exist in the snapshot.
	if err := c.Restore(local, global); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if c.ActiveLayer() != BackgroundLayer {
		t.Errorf("Active layer should fall back to the topmost restored layer, got %q", c.ActiveLayer())
	}
}

func TestLayersOrdered(t *testing.T) {
	c := New()
	for i := 0; i < 3; i++ {
		if _, err := c.AddLayer(ScopeLocal, "alice", role.Contributor); err != nil {
			t.Fatalf("AddLayer failed: %v", err)
		}
	}

	layers := c.Layers()
	if len(layers) != 4 {
		t.Fatalf("Expected 4 layers, got %d", len(layers))
	}
	for i := 1; i < len(layers); i++ {
		if layers[i].ZIndex <= layers[i-1].ZIndex {
			t.Error("Layers should be ordered bottom to top")
		}
	}
	if layers[0].Name != BackgroundLayer {
		t.Errorf("Background should be bottom, got %q", layers[0].Name)
	}
}
