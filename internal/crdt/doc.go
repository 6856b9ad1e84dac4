// Package crdt implements the merge engine for collaborative documents:
// a replicated growable-array text CRDT whose merge is idempotent,
// commutative, and loss-free for concurrent edits.
//
// A document is a set of immutable character operations. Each op carries a
// globally unique id, the id of the op it is anchored after, a Lamport
// clock, and a tombstone flag. Merging two replicas is a union of their op
// sets; deletion only ever raises the tombstone flag, so the union is
// monotone and order-free. Rendering is a pure function of the op set,
// which is what makes replicas converge regardless of delivery order.
package crdt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type op struct {
	ID      string `json:"id"`
	Origin  string `json:"origin"`
	Left    string `json:"left"` // anchor op id; empty means document head
	Ch      string `json:"ch"`
	Clock   uint64 `json:"clock"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Doc is one replica of a collaborative document. It is not safe for
// concurrent use; callers serialize access per document.
type Doc struct {
	ops   map[string]op
	clock uint64
	site  string
	seq   uint64
}

// New returns the canonical empty document state with a fresh site id for
// locally produced edits.
func New() *Doc {
	return &Doc{
		ops:  make(map[string]op),
		site: uuid.NewString()[:8],
	}
}

// Site returns the replica's site id, used as the origin tag on ops this
// replica produces.
func (d *Doc) Site() string { return d.site }

// Len reports the number of visible characters.
func (d *Doc) Len() int {
	n := 0
	for _, id := range d.order() {
		if !d.ops[id].Deleted {
			n++
		}
	}
	return n
}

// Text renders the merged document.
func (d *Doc) Text() string {
	var b strings.Builder
	for _, id := range d.order() {
		if o := d.ops[id]; !o.Deleted {
			b.WriteString(o.Ch)
		}
	}
	return b.String()
}

// Insert produces a delta inserting text before visible position pos and
// applies it to the local replica. pos == Len() appends.
func (d *Doc) Insert(pos int, text string) ([]byte, error) {
	if pos < 0 || pos > d.Len() {
		return nil, fmt.Errorf("crdt: insert position %d out of range: %w", pos, errOutOfRange)
	}
	left := d.visibleIDAt(pos - 1)
	ops := make([]op, 0, len(text))
	for _, r := range text {
		d.clock++
		d.seq++
		o := op{
			ID:     fmt.Sprintf("%s:%d", d.site, d.seq),
			Origin: d.site,
			Left:   left,
			Ch:     string(r),
			Clock:  d.clock,
		}
		ops = append(ops, o)
		left = o.ID
	}
	delta, err := encodeDelta(ops)
	if err != nil {
		return nil, err
	}
	if err := d.ApplyDelta(delta, d.site); err != nil {
		return nil, err
	}
	return delta, nil
}

// Delete produces a delta tombstoning n visible characters starting at pos
// and applies it to the local replica. The delta carries the full target
// ops so it merges cleanly on replicas that have not seen the inserts yet.
func (d *Doc) Delete(pos, n int) ([]byte, error) {
	if pos < 0 || n < 0 || pos+n > d.Len() {
		return nil, fmt.Errorf("crdt: delete range [%d,%d) out of range: %w", pos, pos+n, errOutOfRange)
	}
	var targets []op
	i := 0
	for _, id := range d.order() {
		o := d.ops[id]
		if o.Deleted {
			continue
		}
		if i >= pos && i < pos+n {
			o.Deleted = true
			targets = append(targets, o)
		}
		i++
	}
	delta, err := encodeDelta(targets)
	if err != nil {
		return nil, err
	}
	if err := d.ApplyDelta(delta, d.site); err != nil {
		return nil, err
	}
	return delta, nil
}

// ApplyDelta merges a delta into the replica. The apply is all-or-nothing:
// on a malformed delta the replica is left untouched and a
// *MalformedDeltaError is returned. originTag identifies the sender and is
// carried for diagnostics only; it never influences the merge.
func (d *Doc) ApplyDelta(delta []byte, originTag string) error {
	ops, err := decodeDelta(delta)
	if err != nil {
		return &MalformedDeltaError{Origin: originTag, cause: err}
	}
	for _, o := range ops {
		if err := o.validate(); err != nil {
			return &MalformedDeltaError{Origin: originTag, cause: err}
		}
	}
	for _, o := range ops {
		d.merge(o)
	}
	return nil
}

// merge unions one op into the set. Content fields of a known op never
// change; the tombstone flag only goes up. Both rules keep the merge
// idempotent and commutative.
func (d *Doc) merge(o op) {
	if o.Clock > d.clock {
		d.clock = o.Clock
	}
	if cur, ok := d.ops[o.ID]; ok {
		if o.Deleted && !cur.Deleted {
			cur.Deleted = true
			d.ops[o.ID] = cur
		}
		return
	}
	d.ops[o.ID] = o
}

func (o op) validate() error {
	if o.ID == "" {
		return fmt.Errorf("op missing id")
	}
	if o.Origin == "" {
		return fmt.Errorf("op %s missing origin", o.ID)
	}
	if len([]rune(o.Ch)) != 1 {
		return fmt.Errorf("op %s payload must be a single character", o.ID)
	}
	return nil
}

// order computes the deterministic traversal of the op set. Children of one
// anchor are visited newest Lamport clock first, ties broken by op id, the
// standard RGA rule. An op whose anchor has not arrived yet is treated as
// anchored at the head; since ordering is a pure function of the op set,
// replicas still converge once they hold the same set.
func (d *Doc) order() []string {
	children := make(map[string][]op, len(d.ops))
	for _, o := range d.ops {
		left := o.Left
		if left != "" {
			if _, ok := d.ops[left]; !ok {
				left = ""
			}
		}
		children[left] = append(children[left], o)
	}
	for _, sibs := range children {
		sort.Slice(sibs, func(i, j int) bool {
			if sibs[i].Clock != sibs[j].Clock {
				return sibs[i].Clock > sibs[j].Clock
			}
			return sibs[i].ID > sibs[j].ID
		})
	}
	out := make([]string, 0, len(d.ops))
	var walk func(anchor string)
	walk = func(anchor string) {
		for _, o := range children[anchor] {
			out = append(out, o.ID)
			walk(o.ID)
		}
	}
	walk("")
	return out
}

// visibleIDAt returns the op id of the visible character at index i, or the
// empty head anchor for i < 0.
func (d *Doc) visibleIDAt(i int) string {
	if i < 0 {
		return ""
	}
	n := 0
	for _, id := range d.order() {
		if d.ops[id].Deleted {
			continue
		}
		if n == i {
			return id
		}
		n++
	}
	return ""
}
