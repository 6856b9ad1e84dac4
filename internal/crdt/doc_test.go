package crdt

import (
	"bytes"
	"strings"
	"testing"
)

func TestInsertAndText(t *testing.T) {
	d := New()
	if _, err := d.Insert(0, "hello"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := d.Insert(5, " world"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := d.Text(); got != "hello world" {
		t.Fatalf("text = %q, want %q", got, "hello world")
	}
	if d.Len() != len("hello world") {
		t.Fatalf("len = %d", d.Len())
	}
}

func TestApplyDelta_Idempotent(t *testing.T) {
	a := New()
	delta, err := a.Insert(0, "abc")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	b, err := DecodeState(New().EncodeState())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := b.ApplyDelta(delta, "a"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	once := b.EncodeState()
	if err := b.ApplyDelta(delta, "a"); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !bytes.Equal(once, b.EncodeState()) {
		t.Fatal("applying the same delta twice changed the state")
	}
}

func TestApplyDelta_CommutativeForIndependentEdits(t *testing.T) {
	base := New()
	if _, err := base.Insert(0, "xy"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	snap := base.EncodeState()

	// Two clients branch from the same base and edit independently.
	ca, _ := DecodeState(snap)
	cb, _ := DecodeState(snap)
	d1, err := ca.Insert(0, "A")
	if err != nil {
		t.Fatalf("client a insert: %v", err)
	}
	d2, err := cb.Insert(2, "B")
	if err != nil {
		t.Fatalf("client b insert: %v", err)
	}

	ab, _ := DecodeState(snap)
	ba, _ := DecodeState(snap)
	for _, step := range []struct {
		doc    *Doc
		deltas [][]byte
	}{
		{ab, [][]byte{d1, d2}},
		{ba, [][]byte{d2, d1}},
	} {
		for _, dl := range step.deltas {
			if err := step.doc.ApplyDelta(dl, "test"); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
	}
	if ab.Text() != ba.Text() {
		t.Fatalf("order-dependent merge: %q vs %q", ab.Text(), ba.Text())
	}
	if !bytes.Equal(ab.EncodeState(), ba.EncodeState()) {
		t.Fatal("encoded states diverged")
	}
}

func TestMerge_NoLossConcurrentInsertsAtHead(t *testing.T) {
	ca := New()
	cb := New()
	d1, err := ca.Insert(0, "hello")
	if err != nil {
		t.Fatalf("insert hello: %v", err)
	}
	d2, err := cb.Insert(0, "world")
	if err != nil {
		t.Fatalf("insert world: %v", err)
	}

	merged := New()
	if err := merged.ApplyDelta(d1, ca.Site()); err != nil {
		t.Fatalf("apply d1: %v", err)
	}
	if err := merged.ApplyDelta(d2, cb.Site()); err != nil {
		t.Fatalf("apply d2: %v", err)
	}

	got := merged.Text()
	if !strings.Contains(got, "hello") || !strings.Contains(got, "world") {
		t.Fatalf("merge dropped an edit: %q", got)
	}
	if len(got) != len("helloworld") {
		t.Fatalf("unexpected merged length: %q", got)
	}
}

func TestDelete_Tombstones(t *testing.T) {
	d := New()
	if _, err := d.Insert(0, "abcdef"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	delta, err := d.Delete(1, 2)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := d.Text(); got != "adef" {
		t.Fatalf("text after delete = %q", got)
	}

	// The delete delta is self-contained: a replica that never saw the
	// inserts can still merge it without error.
	other := New()
	if err := other.ApplyDelta(delta, d.Site()); err != nil {
		t.Fatalf("apply delete on empty replica: %v", err)
	}
	if other.Text() != "" {
		t.Fatalf("tombstoned ops rendered: %q", other.Text())
	}
}

func TestApplyDelta_MalformedLeavesStateUnchanged(t *testing.T) {
	d := New()
	if _, err := d.Insert(0, "keep"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	before := d.EncodeState()

	for _, bad := range [][]byte{
		[]byte("not json"),
		[]byte(`{"v":99,"ops":[]}`),
		[]byte(`{"v":1,"ops":[{"id":"","origin":"x","ch":"a"}]}`),
		[]byte(`{"v":1,"ops":[{"id":"x:1","origin":"x","ch":"ab","clock":1}]}`),
	} {
		err := d.ApplyDelta(bad, "conn-1")
		if err == nil {
			t.Fatalf("expected error for %q", bad)
		}
		if !IsMalformedDelta(err) {
			t.Fatalf("expected MalformedDeltaError, got %v", err)
		}
	}
	if !bytes.Equal(before, d.EncodeState()) {
		t.Fatal("replica mutated by rejected delta")
	}
}

func TestStateRoundTrip(t *testing.T) {
	d := New()
	if _, err := d.Insert(0, "persisted"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := d.Delete(0, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}

	restored, err := DecodeState(d.EncodeState())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if restored.Text() != d.Text() {
		t.Fatalf("round trip text = %q, want %q", restored.Text(), d.Text())
	}
}

func TestDecodeState_Garbage(t *testing.T) {
	if _, err := DecodeState([]byte{0x00, 0x01}); err == nil {
		t.Fatal("expected decode error")
	}
}
