package repl

import "testing"

type fakeEntry struct {
	id        string
	version   int64
	cancelled bool
}

func (f *fakeEntry) ChunkID() string               { return f.id }
func (f *fakeEntry) EffectiveTargetVersion() int64  { return f.version }
func (f *fakeEntry) Cancel()                        { f.cancelled = true }
func (f *fakeEntry) IsCancelledNow() bool           { return f.cancelled }

func TestRegistryInsertAndRemove(t *testing.T) {
	r := NewRegistry()
	e := &fakeEntry{id: "c1", version: 1}

	if ok := r.Insert(e); !ok {
		t.Fatalf("Insert on empty registry should succeed")
	}
	if n := r.Len(); n != 1 {
		t.Fatalf("Len() = %d, want 1", n)
	}

	r.Remove(e)
	if n := r.Len(); n != 0 {
		t.Fatalf("Len() after Remove = %d, want 0", n)
	}
}

// TestPreemptionRace exercises open question (b): a new Insert for a
// chunk-id already in the map must always end up owning the slot, after
// cancelling whatever was there first.
func TestPreemptionRace(t *testing.T) {
	r := NewRegistry()
	first := &fakeEntry{id: "c1", version: 1}
	second := &fakeEntry{id: "c1", version: 2}

	if ok := r.Insert(first); !ok {
		t.Fatalf("first Insert should succeed")
	}
	if ok := r.Insert(second); !ok {
		t.Fatalf("second Insert should succeed and pre-empt the first")
	}
	if !first.cancelled {
		t.Fatalf("pre-empted job should have been cancelled")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (second job owns the slot)", r.Len())
	}
}

func TestRegistryRemoveStaleNoOp(t *testing.T) {
	r := NewRegistry()
	first := &fakeEntry{id: "c1", version: 1}
	second := &fakeEntry{id: "c1", version: 2}

	r.Insert(first)
	r.Insert(second)

	// first was pre-empted; its Remove must not touch second's slot.
	r.Remove(first)
	if r.Len() != 1 {
		t.Fatalf("Remove of a pre-empted job should be a no-op, Len() = %d", r.Len())
	}
}

func TestRegistryCancelByVersion(t *testing.T) {
	r := NewRegistry()
	e := &fakeEntry{id: "c1", version: 5}
	r.Insert(e)

	if ok := r.CancelByVersion("c1", 4); ok {
		t.Fatalf("CancelByVersion with wrong version should not cancel")
	}
	if e.cancelled {
		t.Fatalf("entry should not be cancelled yet")
	}

	if ok := r.CancelByVersion("c1", 5); !ok {
		t.Fatalf("CancelByVersion with matching version should cancel")
	}
	if !e.cancelled {
		t.Fatalf("entry should now be cancelled")
	}
	if r.Len() != 0 {
		t.Fatalf("cancelled entry should be removed from the registry")
	}
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewRegistry()
	a := &fakeEntry{id: "c1"}
	b := &fakeEntry{id: "c2"}
	r.Insert(a)
	r.Insert(b)

	r.CancelAll()

	if !a.cancelled || !b.cancelled {
		t.Fatalf("CancelAll should cancel every entry")
	}
	if r.Len() != 0 {
		t.Fatalf("CancelAll should empty the registry")
	}
}
