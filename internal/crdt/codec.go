package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const wireVersion = 1

var errOutOfRange = errors.New("position out of range")

// MalformedDeltaError reports a delta that could not be decoded or failed
// validation. The caller's replica state is guaranteed unchanged.
type MalformedDeltaError struct {
	Origin string
	cause  error
}

func (e *MalformedDeltaError) Error() string {
	return fmt.Sprintf("malformed delta from %q: %v", e.Origin, e.cause)
}

func (e *MalformedDeltaError) Unwrap() error { return e.cause }

// IsMalformedDelta reports whether err is a MalformedDeltaError.
func IsMalformedDelta(err error) bool {
	var m *MalformedDeltaError
	return errors.As(err, &m)
}

// envelope is the wire shape shared by deltas and full-state snapshots.
// The bytes are opaque to every layer above this package.
type envelope struct {
	V   int  `json:"v"`
	Ops []op `json:"ops"`
}

func encodeDelta(ops []op) ([]byte, error) {
	return json.Marshal(envelope{V: wireVersion, Ops: ops})
}

func decodeDelta(b []byte) ([]op, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	if env.V != wireVersion {
		return nil, fmt.Errorf("unsupported wire version %d", env.V)
	}
	return env.Ops, nil
}

// EncodeState serializes the full replica for persistence or for
// bootstrapping a new replica. The encoding is deterministic: ops are
// sorted by id, so equal op sets produce equal bytes.
func (d *Doc) EncodeState() []byte {
	ops := make([]op, 0, len(d.ops))
	for _, o := range d.ops {
		ops = append(ops, o)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	b, _ := json.Marshal(envelope{V: wireVersion, Ops: ops})
	return b
}

// DecodeState bootstraps a replica from a stored snapshot.
func DecodeState(b []byte) (*Doc, error) {
	ops, err := decodeDelta(b)
	if err != nil {
		return nil, err
	}
	d := New()
	for _, o := range ops {
		if err := o.validate(); err != nil {
			return nil, err
		}
		d.merge(o)
	}
	return d, nil
}
