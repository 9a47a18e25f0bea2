package replica

import (
	"github.com/automerge/automerge-go"
	"github.com/yanun0323/errors"
)

// SyncSession carries the document sync sub-protocol for one connection.
// The first generated message is the state-vector exchange; subsequent
// messages are catch-up or unsolicited updates. Callers drain Generate
// after opening the connection, after every Receive, and after every
// local edit.
type SyncSession struct {
	replica *Replica
	connID  uint64
	state   *automerge.SyncState
}

// NewSyncSession starts a fresh handshake state for the given connection.
// Sessions are never reused across reconnects; the delta is recomputed
// from whatever the replica already holds.
func (r *Replica) NewSyncSession(connID uint64) *SyncSession {
	return &SyncSession{
		replica: r,
		connID:  connID,
		state:   automerge.NewSyncState(r.doc),
	}
}

// Generate returns the next outbound sync payload, or ok=false when the
// peer needs nothing further right now.
func (s *SyncSession) Generate() (payload []byte, ok bool) {
	msg, valid := s.state.GenerateMessage()
	if !valid || msg == nil {
		return nil, false
	}
	return msg.Bytes(), true
}

// Receive applies an inbound sync payload. Subscribers are notified with
// this session's remote origin only when the payload carried changes.
func (s *SyncSession) Receive(payload []byte) error {
	msg, err := s.state.ReceiveMessage(payload)
	if err != nil {
		return errors.Wrap(err, "receive sync message")
	}
	if msg != nil && len(msg.Changes()) > 0 {
		s.replica.notify(OriginRemote(s.connID))
	}
	return nil
}
