package awareness

import (
	"encoding/json"

	"github.com/yanun0323/errors"

	"collabsync/internal/replica"
)

// wireEntry is one entry on the wire. Left marks a clean departure and
// removes the entry on apply.
type wireEntry struct {
	Entry
	Left bool `json:"left,omitempty"`
}

type wireUpdate struct {
	Entries []wireEntry `json:"entries"`
}

// EncodeUpdate serializes the given entries for an awareness frame.
// Unknown ids are skipped, so callers can pass changed-id lists from
// notifications without re-checking liveness.
func (t *Table) EncodeUpdate(ids []ClientID) ([]byte, error) {
	t.mu.Lock()
	update := wireUpdate{Entries: make([]wireEntry, 0, len(ids))}
	for _, id := range ids {
		e, ok := t.entries[id]
		if !ok {
			continue
		}
		update.Entries = append(update.Entries, wireEntry{Entry: *e.clone()})
	}
	t.mu.Unlock()
	return json.Marshal(update)
}

// EncodeLeave serializes a departure marker for the local entry, sent
// best-effort before the connection closes.
func (t *Table) EncodeLeave() ([]byte, error) {
	t.mu.Lock()
	e := t.entries[t.localID]
	e.Clock++
	leave := wireEntry{Entry: *e.clone(), Left: true}
	t.mu.Unlock()
	leave.Cursor = nil
	leave.Selection = nil
	return json.Marshal(wireUpdate{Entries: []wireEntry{leave}})
}

// ApplyUpdate merges an inbound awareness payload. Entries older than
// what the table already holds are ignored (last-write-wins per client).
// The local entry is never overwritten by a remote frame.
func (t *Table) ApplyUpdate(payload []byte, origin replica.Origin) error {
	var update wireUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return errors.Wrap(err, "decode awareness update")
	}

	t.mu.Lock()
	var changed, removed []ClientID
	for _, we := range update.Entries {
		if we.ClientID == t.localID && !origin.IsLocal() {
			continue
		}
		existing, ok := t.entries[we.ClientID]
		if ok && we.Clock <= existing.Clock {
			continue
		}
		if we.Left {
			if ok {
				delete(t.entries, we.ClientID)
				removed = append(removed, we.ClientID)
			}
			continue
		}
		e := we.Entry
		e.seen = t.now()
		t.entries[we.ClientID] = &e
		changed = append(changed, we.ClientID)
	}
	t.mu.Unlock()

	if len(changed) != 0 || len(removed) != 0 {
		t.notify(Update{Changed: changed, Removed: removed, Origin: origin})
	}
	return nil
}
