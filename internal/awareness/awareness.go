// Package awareness holds the ephemeral per-client presence table:
// cursor, user identity, and activity state keyed by client id. Entries
// are clock-stamped and merge last-write-wins, so frames may arrive in
// any order across connections. Nothing here is persisted.
package awareness

import (
	"sync"
	"time"

	"collabsync/internal/replica"
)

// ClientID identifies one connected editing client.
type ClientID uint64

// Status is the coarse presence state carried in an entry. An empty
// status means "derive from lastActive"; an explicit value always wins.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// User is the displayable identity attached to an entry.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Caret is one end of a selection, pointing into the editing surface's
// node graph. The node ref is opaque outside that surface.
type Caret struct {
	NodeRef string `json:"nodeRef"`
	Offset  int    `json:"offset"`
}

// Cursor is the anchor/focus pair of the client's selection.
type Cursor struct {
	Anchor Caret `json:"anchor"`
	Focus  Caret `json:"focus"`
}

// Selection mirrors the editing surface's own key/offset selection
// representation. Carried verbatim, never interpreted.
type Selection struct {
	AnchorKey    string `json:"anchorKey"`
	AnchorOffset int    `json:"anchorOffset"`
	FocusKey     string `json:"focusKey"`
	FocusOffset  int    `json:"focusOffset"`
}

// Entry is one client's presence state. Clock increases monotonically
// per client; higher clock wins on merge.
type Entry struct {
	ClientID   ClientID   `json:"clientId"`
	Clock      uint64     `json:"clock"`
	User       User       `json:"user"`
	Cursor     *Cursor    `json:"cursor,omitempty"`
	Selection  *Selection `json:"selectionRefs,omitempty"`
	Status     Status     `json:"status,omitempty"`
	LastActive int64      `json:"lastActive"`

	// seen is when this process last accepted an update for the entry,
	// used for pruning dead peers. Not serialized.
	seen time.Time
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.Cursor != nil {
		cur := *e.Cursor
		c.Cursor = &cur
	}
	if e.Selection != nil {
		sel := *e.Selection
		c.Selection = &sel
	}
	return &c
}

// Update describes one table change delivered to subscribers.
type Update struct {
	Changed []ClientID
	Removed []ClientID
	Origin  replica.Origin
}

// UpdateFunc receives table change notifications.
type UpdateFunc func(Update)

// Table is the presence table for one room.
type Table struct {
	mu      sync.Mutex
	localID ClientID
	entries map[ClientID]*Entry
	subs    map[uint64]UpdateFunc
	nextSub uint64
	now     func() time.Time
}

// NewTable creates a table seeded with the local client's entry.
func NewTable(localID ClientID, user User) *Table {
	t := &Table{
		localID: localID,
		entries: make(map[ClientID]*Entry),
		subs:    make(map[uint64]UpdateFunc),
		now:     time.Now,
	}
	t.entries[localID] = &Entry{
		ClientID:   localID,
		User:       user,
		LastActive: t.now().UnixMilli(),
		seen:       t.now(),
	}
	return t
}

// LocalID returns the local client id.
func (t *Table) LocalID() ClientID { return t.localID }

// Local returns a copy of the local entry.
func (t *Table) Local() *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[t.localID].clone()
}

// Entries returns a copied snapshot of every entry.
func (t *Table) Entries() map[ClientID]*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ClientID]*Entry, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.clone()
	}
	return out
}

// SetLocalCursor updates the local cursor and selection, bumping the
// entry clock and refreshing lastActive.
func (t *Table) SetLocalCursor(cursor *Cursor, selection *Selection) {
	t.mutateLocal(func(e *Entry) {
		e.Cursor = cursor
		e.Selection = selection
		e.LastActive = t.now().UnixMilli()
	})
}

// SetLocalStatus sets the explicit status field on the local entry. An
// empty status reverts to derived-status behavior.
func (t *Table) SetLocalStatus(status Status) {
	t.mutateLocal(func(e *Entry) {
		e.Status = status
	})
}

// SetLocalLastActive stamps the local activity timestamp.
func (t *Table) SetLocalLastActive(at time.Time) {
	t.mutateLocal(func(e *Entry) {
		e.LastActive = at.UnixMilli()
	})
}

func (t *Table) mutateLocal(fn func(*Entry)) {
	t.mu.Lock()
	e := t.entries[t.localID]
	fn(e)
	e.Clock++
	e.seen = t.now()
	t.mu.Unlock()
	t.notify(Update{Changed: []ClientID{t.localID}, Origin: replica.OriginLocal})
}

// Remove drops the given entries, notifying subscribers. The local entry
// is recreated empty if removed, matching the table's invariant that the
// local client always has an entry while the table is alive.
func (t *Table) Remove(ids []ClientID, origin replica.Origin) {
	t.mu.Lock()
	removed := make([]ClientID, 0, len(ids))
	for _, id := range ids {
		if _, ok := t.entries[id]; ok {
			delete(t.entries, id)
			removed = append(removed, id)
		}
	}
	t.mu.Unlock()
	if len(removed) != 0 {
		t.notify(Update{Removed: removed, Origin: origin})
	}
}

// Prune removes remote entries not refreshed within maxAge. Dead peers
// stop updating without a leave message; this is the passive cleanup.
func (t *Table) Prune(maxAge time.Duration) {
	t.mu.Lock()
	cutoff := t.now().Add(-maxAge)
	var removed []ClientID
	for id, e := range t.entries {
		if id == t.localID {
			continue
		}
		if e.seen.Before(cutoff) {
			delete(t.entries, id)
			removed = append(removed, id)
		}
	}
	t.mu.Unlock()
	if len(removed) != 0 {
		t.notify(Update{Removed: removed, Origin: replica.OriginLocal})
	}
}

// Subscribe registers a change callback and returns its unsubscribe
// function.
func (t *Table) Subscribe(fn UpdateFunc) func() {
	t.mu.Lock()
	t.nextSub++
	token := t.nextSub
	t.subs[token] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, token)
		t.mu.Unlock()
	}
}

func (t *Table) notify(update Update) {
	t.mu.Lock()
	fns := make([]UpdateFunc, 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(update)
	}
}
