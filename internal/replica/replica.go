// Package replica binds the automerge document as the conflict-free
// merge layer. Merge semantics live entirely inside automerge; this
// package only adds origin-tagged change notification and per-connection
// sync sessions so a transport can relay the document without ever
// interpreting its contents.
package replica

import (
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/yanun0323/errors"
)

// UpdateFunc receives a change notification with the origin of the
// mutation that produced it.
type UpdateFunc func(origin Origin)

// Replica wraps one automerge document for one room.
type Replica struct {
	doc *automerge.Doc

	mu      sync.Mutex
	subs    map[uint64]UpdateFunc
	nextSub uint64
}

// New creates an empty replica.
func New() *Replica {
	return &Replica{
		doc:  automerge.New(),
		subs: make(map[uint64]UpdateFunc),
	}
}

// Load restores a replica from a saved snapshot, typically read from the
// local durable cache before any network activity.
func Load(snapshot []byte) (*Replica, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, errors.Wrap(err, "load document snapshot")
	}
	return &Replica{
		doc:  doc,
		subs: make(map[uint64]UpdateFunc),
	}, nil
}

// SetActor assigns the actor id used for locally created changes.
func (r *Replica) SetActor(id string) error {
	return r.doc.SetActorID(id)
}

// Doc exposes the underlying document to the editing surface. Mutations
// made directly on it must go through Edit so subscribers are notified.
func (r *Replica) Doc() *automerge.Doc {
	return r.doc
}

// Edit runs a local mutation and notifies subscribers with a local
// origin. This is the only local write path.
func (r *Replica) Edit(fn func(doc *automerge.Doc) error) error {
	if err := fn(r.doc); err != nil {
		return err
	}
	r.notify(OriginLocal)
	return nil
}

// Save encodes the full document for durable storage.
func (r *Replica) Save() []byte {
	return r.doc.Save()
}

// Heads returns the current change hashes, useful for logging.
func (r *Replica) Heads() []automerge.ChangeHash {
	return r.doc.Heads()
}

// Subscribe registers an update callback and returns its unsubscribe
// function. Unsubscribing is idempotent.
func (r *Replica) Subscribe(fn UpdateFunc) func() {
	r.mu.Lock()
	r.nextSub++
	token := r.nextSub
	r.subs[token] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, token)
		r.mu.Unlock()
	}
}

func (r *Replica) notify(origin Origin) {
	r.mu.Lock()
	fns := make([]UpdateFunc, 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(origin)
	}
}
