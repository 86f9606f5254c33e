package canvas

import (
	"errors"
	"fmt"
)

// ErrStale means an incremental update does not directly follow the local
// revision; the holder must fetch a full snapshot.
var ErrStale = errors.New("replica is stale")

// Replica mirrors a room's Log on the client side. Committed state only ever
// comes from the server; local strokes are held as optimistic operations
// until the matching commit (same ID) arrives.
type Replica struct {
	log     *Log
	synced  bool
	pending []Operation
}

func NewReplica() *Replica {
	return &Replica{log: NewLog()}
}

func (r *Replica) Revision() uint64 { return r.log.Revision() }

// Synced is false until the first full state arrives and again after an
// out-of-order update.
func (r *Replica) Synced() bool { return r.synced }

// Reset installs a full snapshot (state:init or state:full).
func (r *Replica) Reset(revision uint64, s Snapshot) error {
	if err := r.log.Restore(s, revision); err != nil {
		r.synced = false
		return err
	}
	r.synced = true
	r.prune()
	return nil
}

// Apply installs one committed operation announced at revision.
func (r *Replica) Apply(revision uint64, op Operation) error {
	if !r.synced || revision != r.log.Revision()+1 {
		r.synced = false
		return fmt.Errorf("%w: have %d, got %d", ErrStale, r.log.Revision(), revision)
	}
	r.log.Append(op)
	r.prune()
	return nil
}

// AddLocal records an optimistic operation drawn by this client.
func (r *Replica) AddLocal(op Operation) {
	for _, p := range r.pending {
		if p.ID == op.ID {
			return
		}
	}
	r.pending = append(r.pending, op)
}

func (r *Replica) Pending() int { return len(r.pending) }

// Drops optimistic operations that the server has since committed.
func (r *Replica) prune() {
	if len(r.pending) == 0 {
		return
	}
	committed := make(map[string]struct{}, r.log.Len())
	for _, op := range r.log.ops {
		committed[op.ID] = struct{}{}
	}
	kept := r.pending[:0]
	for _, op := range r.pending {
		if _, ok := committed[op.ID]; !ok {
			kept = append(kept, op)
		}
	}
	r.pending = kept
}

// Visible is the render set: committed visible operations followed by any
// optimistic ones not yet acknowledged.
func (r *Replica) Visible() []Operation {
	return append(r.log.Visible(), r.pending...)
}
