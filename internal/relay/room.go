// Package relay implements the authoritative per-room relay: it accepts
// websocket clients, participates in the document sync handshake so late
// joiners catch up from the relay's own replica, and fans presence
// frames out to the other clients in the room.
package relay

import (
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"collabsync/internal/protocol"
	"collabsync/internal/replica"
)

// Room holds one document's relay state: the relay-side replica and the
// clients currently joined.
type Room struct {
	name string

	mu      sync.Mutex
	rep     *replica.Replica
	clients map[*client]struct{}
	nextID  uint64

	snapshot func([]byte)
	saveArm  *time.Timer
	debounce time.Duration
}

func newRoom(name string, rep *replica.Replica, debounce time.Duration, snapshot func([]byte)) *Room {
	return &Room{
		name:     name,
		rep:      rep,
		clients:  make(map[*client]struct{}),
		snapshot: snapshot,
		debounce: debounce,
	}
}

// Name returns the room identifier.
func (r *Room) Name() string { return r.name }

func (r *Room) join(c *client) {
	r.mu.Lock()
	r.nextID++
	c.id = r.nextID
	c.session = r.rep.NewSyncSession(c.id)
	r.clients[c] = struct{}{}
	others := r.othersLocked(c)
	r.mu.Unlock()

	// Ask existing clients to re-broadcast presence so the newcomer
	// sees the room immediately.
	query := protocol.EncodeFrame(nil, protocol.MessageQueryAwareness, nil)
	for _, other := range others {
		other.enqueue(query)
	}

	// Open the relay side of the handshake.
	r.pumpSync(c)
	logs.Infof("room %s client %d joined, clients: %d", r.name, c.id, r.clientCount())
}

// leave reports whether the room is now empty and should be collected.
func (r *Room) leave(c *client) bool {
	r.mu.Lock()
	delete(r.clients, c)
	empty := len(r.clients) == 0
	r.mu.Unlock()
	logs.Infof("room %s client %d left, clients: %d", r.name, c.id, r.clientCount())
	return empty
}

func (r *Room) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// handleSync merges a client's sync payload into the room replica, then
// drains every client's session so the change propagates in one pass.
func (r *Room) handleSync(from *client, payload []byte) {
	r.mu.Lock()
	if err := from.session.Receive(payload); err != nil {
		r.mu.Unlock()
		logs.Warnf("room %s dropped sync frame from client %d, err: %+v", r.name, from.id, err)
		return
	}
	for c := range r.clients {
		r.pumpSyncLocked(c)
	}
	r.mu.Unlock()
	r.armSnapshot()
}

// relayFrame forwards a presence frame verbatim to every other client.
func (r *Room) relayFrame(from *client, raw []byte) {
	r.mu.Lock()
	others := r.othersLocked(from)
	r.mu.Unlock()
	for _, other := range others {
		other.enqueue(raw)
	}
}

func (r *Room) othersLocked(from *client) []*client {
	others := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		if c != from {
			others = append(others, c)
		}
	}
	return others
}

func (r *Room) pumpSync(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; !ok {
		return
	}
	r.pumpSyncLocked(c)
}

// pumpSyncLocked drains one client's session, queueing each generated
// message as its own frame. Generate and enqueue stay under r.mu so a
// connection's sync stream is delivered in generation order; enqueue
// never blocks, it drops the client instead.
func (r *Room) pumpSyncLocked(c *client) {
	for {
		payload, ok := c.session.Generate()
		if !ok {
			return
		}
		c.enqueue(protocol.EncodeFrame(nil, protocol.MessageSync, payload))
	}
}

func (r *Room) armSnapshot() {
	if r.snapshot == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveArm != nil {
		return
	}
	r.saveArm = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		r.saveArm = nil
		raw := r.rep.Save()
		fn := r.snapshot
		r.mu.Unlock()
		fn(raw)
	})
}

// flushSnapshot writes the snapshot immediately, used at room teardown.
func (r *Room) flushSnapshot() {
	if r.snapshot == nil {
		return
	}
	r.mu.Lock()
	if r.saveArm != nil {
		r.saveArm.Stop()
		r.saveArm = nil
	}
	raw := r.rep.Save()
	fn := r.snapshot
	r.mu.Unlock()
	fn(raw)
}
