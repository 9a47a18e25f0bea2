// Package provider owns the network side of a collaborative session:
// one live relay connection per room, the document and presence channels
// multiplexed over it, and recovery from drops without losing local
// edits. The document itself merges in the replica package; presence
// merges in the awareness package; this package only moves their bytes
// and runs the connection state machine.
package provider

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"collabsync/internal/awareness"
	"collabsync/internal/cache"
	"collabsync/internal/ops"
	"collabsync/internal/protocol"
	"collabsync/internal/replica"
)

var (
	ErrDestroyed = errors.New("provider: destroyed")
	ErrNoDialer  = errors.New("provider: nil dialer")
	ErrNoRoom    = errors.New("provider: empty room")
)

// Status is the connection state surfaced to the host.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	// StatusError means retries are exhausted; a manual Connect call is
	// required to resume.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Snapshot aggregates the full observable state for single-subscription
// consumers.
type Snapshot struct {
	Status Status
	Synced bool
	Users  map[awareness.ClientID]*awareness.Entry
}

// Config assembles a provider. Replica and Table may be nil; they are
// then created here, with the replica hydrated from Cache when a
// snapshot exists for the room.
type Config struct {
	Room     string
	Identity ops.Identity
	Dialer   Dialer

	Replica  *replica.Replica
	Table    *awareness.Table
	ClientID awareness.ClientID
	Cache    *cache.Store

	Backoff Backoff
	// ConnectDelay postpones the first dial after Connect, letting the
	// host editor finish mounting. Zero dials immediately.
	ConnectDelay time.Duration
}

// Provider keeps one room's replica and presence table in sync with the
// relay.
type Provider struct {
	room     string
	identity ops.Identity
	dialer   Dialer
	backoff  Backoff
	delay    time.Duration

	replica *replica.Replica
	table   *awareness.Table
	store   *cache.Store

	// sessionMu serializes sync generate/receive so a given
	// connection's byte stream is never reordered.
	sessionMu sync.Mutex

	mu        sync.Mutex
	status    Status
	synced    bool
	attempts  int
	destroyed bool
	running   bool
	cancel    context.CancelFunc
	conn      Conn
	session   *replica.SyncSession
	connID    uint64

	statusSubs map[uint64]func(Status)
	syncedSubs map[uint64]func(bool)
	usersSubs  map[uint64]func(map[awareness.ClientID]*awareness.Entry)
	changeSubs map[uint64]func(Snapshot)
	nextSub    uint64

	unsubReplica func()
	unsubTable   func()
	wg           sync.WaitGroup
}

// New builds a provider. The replica is hydrated from the local cache
// before any network activity, so the first handshake exchanges a
// genuine delta rather than the whole document.
func New(cfg Config) (*Provider, error) {
	if cfg.Room == "" {
		return nil, ErrNoRoom
	}
	if cfg.Dialer == nil {
		return nil, ErrNoDialer
	}
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}

	rep := cfg.Replica
	if rep == nil {
		rep = hydrate(cfg.Cache, cfg.Room)
	}

	table := cfg.Table
	if table == nil {
		clientID := cfg.ClientID
		if clientID == 0 {
			u := uuid.New()
			clientID = awareness.ClientID(binary.BigEndian.Uint64(u[:8]))
		}
		table = awareness.NewTable(clientID, awareness.User{
			ID:    cfg.Identity.UserID,
			Name:  cfg.Identity.Name,
			Color: cfg.Identity.Color,
		})
	}

	p := &Provider{
		room:       cfg.Room,
		identity:   cfg.Identity,
		dialer:     cfg.Dialer,
		backoff:    cfg.Backoff.withDefaults(),
		delay:      cfg.ConnectDelay,
		replica:    rep,
		table:      table,
		store:      cfg.Cache,
		status:     StatusDisconnected,
		statusSubs: make(map[uint64]func(Status)),
		syncedSubs: make(map[uint64]func(bool)),
		usersSubs:  make(map[uint64]func(map[awareness.ClientID]*awareness.Entry)),
		changeSubs: make(map[uint64]func(Snapshot)),
	}
	p.unsubReplica = rep.Subscribe(p.onReplicaUpdate)
	p.unsubTable = table.Subscribe(p.onTableUpdate)
	return p, nil
}

func hydrate(store *cache.Store, room string) *replica.Replica {
	if store == nil {
		return replica.New()
	}
	snapshot, err := store.Load(room)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			logs.Errorf("cache load failed for room %s, falling back to empty document, err: %+v", room, err)
		}
		return replica.New()
	}
	rep, err := replica.Load(snapshot)
	if err != nil {
		logs.Errorf("corrupt cached snapshot for room %s, falling back to empty document, err: %+v", room, err)
		return replica.New()
	}
	return rep
}

// Replica returns the document replica the editing surface writes to.
func (p *Provider) Replica() *replica.Replica { return p.replica }

// Table returns the shared presence table.
func (p *Provider) Table() *awareness.Table { return p.table }

// Users returns a snapshot of the current presence entries.
func (p *Provider) Users() map[awareness.ClientID]*awareness.Entry {
	return p.table.Entries()
}

// IsConnected reports whether the socket is open.
func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status == StatusConnected
}

// IsSynced reports whether the replica has caught up with the relay.
// Connected means the socket is open; synced means caught up.
func (p *Provider) IsSynced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// Status returns the current connection state.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// OnStatus registers a connection-state callback and returns its
// unsubscribe function.
func (p *Provider) OnStatus(fn func(Status)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	token := p.nextSub
	p.statusSubs[token] = fn
	return func() {
		p.mu.Lock()
		delete(p.statusSubs, token)
		p.mu.Unlock()
	}
}

// OnSynced registers a synced-state callback.
func (p *Provider) OnSynced(fn func(bool)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	token := p.nextSub
	p.syncedSubs[token] = fn
	return func() {
		p.mu.Lock()
		delete(p.syncedSubs, token)
		p.mu.Unlock()
	}
}

// OnUsers registers a presence-snapshot callback fired on every table
// change.
func (p *Provider) OnUsers(fn func(map[awareness.ClientID]*awareness.Entry)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	token := p.nextSub
	p.usersSubs[token] = fn
	return func() {
		p.mu.Lock()
		delete(p.usersSubs, token)
		p.mu.Unlock()
	}
}

// OnChange registers an aggregate callback for consumers that want a
// single subscription.
func (p *Provider) OnChange(fn func(Snapshot)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	token := p.nextSub
	p.changeSubs[token] = fn
	return func() {
		p.mu.Lock()
		delete(p.changeSubs, token)
		p.mu.Unlock()
	}
}

// Connect starts the connection loop. Calling it from the error state
// resets the attempt counter and retries. No-op while already running.
func (p *Provider) Connect() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.attempts = 0
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	return nil
}

// Destroy stops the provider: pending reconnect timers are cancelled,
// listeners detached, the local presence entry is withdrawn best-effort,
// and the socket closed with a clean code. Idempotent; no callback fires
// after Destroy returns.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	cancel := p.cancel
	conn := p.conn
	p.mu.Unlock()

	p.unsubReplica()
	p.unsubTable()

	if conn != nil {
		if payload, err := p.table.EncodeLeave(); err == nil {
			_ = conn.Write(protocol.EncodeFrame(nil, protocol.MessageAwareness, payload))
		}
		_ = conn.Close(true)
	}
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.status = StatusDisconnected
	p.synced = false
	p.conn = nil
	p.session = nil
	p.mu.Unlock()
}

func (p *Provider) run(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	if p.delay > 0 && !p.sleep(ctx, p.delay) {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		p.setStatus(StatusConnecting)

		conn, err := p.dialer.Dial(ctx, p.room, p.identity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !p.retry(ctx) {
				return
			}
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.connID++
		connID := p.connID
		p.session = p.replica.NewSyncSession(connID)
		p.attempts = 0
		p.mu.Unlock()

		p.setStatus(StatusConnected)
		// Handshake: our state vector goes out first, then the full
		// local presence entry.
		p.sendSyncPending()
		p.sendFullAwareness()

		err = p.readLoop(conn, connID)

		p.mu.Lock()
		p.conn = nil
		p.session = nil
		p.mu.Unlock()
		p.setSynced(false)

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrCleanClose) {
			p.setStatus(StatusDisconnected)
			return
		}
		logs.Warnf("room %s connection lost, err: %+v", p.room, err)
		if !p.retry(ctx) {
			return
		}
	}
}

// retry arms the reconnect timer, or reports false after moving to the
// error state when attempts are exhausted.
func (p *Provider) retry(ctx context.Context) bool {
	p.mu.Lock()
	attempts := p.attempts
	p.attempts++
	p.mu.Unlock()

	if p.backoff.Exhausted(attempts + 1) {
		p.setStatus(StatusError)
		return false
	}
	p.setStatus(StatusReconnecting)
	return p.sleep(ctx, p.backoff.Next(attempts))
}

func (p *Provider) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// readLoop applies inbound frames in arrival order on this single
// connection. Malformed frames are dropped; only socket failures end
// the loop.
func (p *Provider) readLoop(conn Conn, connID uint64) error {
	for {
		payload, err := conn.Read()
		if err != nil {
			return err
		}
		frame, err := protocol.DecodeFrame(payload)
		if err != nil {
			logs.Warnf("room %s dropped malformed frame, err: %+v", p.room, err)
			continue
		}
		switch frame.Kind {
		case protocol.MessageSync:
			p.mu.Lock()
			session := p.session
			p.mu.Unlock()
			if session == nil {
				continue
			}
			p.sessionMu.Lock()
			err := session.Receive(frame.Payload)
			p.sessionMu.Unlock()
			if err != nil {
				logs.Warnf("room %s dropped sync frame, err: %+v", p.room, err)
				continue
			}
			p.setSynced(true)
			p.sendSyncPending()
		case protocol.MessageAwareness:
			if err := p.table.ApplyUpdate(frame.Payload, replica.OriginRemote(connID)); err != nil {
				logs.Warnf("room %s dropped awareness frame, err: %+v", p.room, err)
			}
		case protocol.MessageQueryAwareness:
			p.sendFullAwareness()
		}
	}
}

// onReplicaUpdate handles document changes from any source: snapshots
// go to the local cache regardless of connection state, and changes not
// originating on the live connection are relayed out.
func (p *Provider) onReplicaUpdate(origin replica.Origin) {
	if p.store != nil {
		p.store.Save(p.room, p.replica.Save())
	}

	p.mu.Lock()
	fromSelf := !origin.IsLocal() && origin.ConnID() == p.connID && p.conn != nil
	p.mu.Unlock()
	if fromSelf {
		// Applying a frame we just received; the read loop already
		// generates any replies.
		return
	}
	p.sendSyncPending()
}

func (p *Provider) onTableUpdate(update awareness.Update) {
	if update.Origin.IsLocal() && containsClient(update.Changed, p.table.LocalID()) {
		payload, err := p.table.EncodeUpdate(update.Changed)
		if err == nil {
			p.send(protocol.MessageAwareness, payload)
		}
	}
	p.notifyUsers()
}

func containsClient(ids []awareness.ClientID, id awareness.ClientID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// sendSyncPending drains the current sync session and writes every
// generated message as its own frame.
func (p *Provider) sendSyncPending() {
	for {
		p.mu.Lock()
		session, conn := p.session, p.conn
		p.mu.Unlock()
		if session == nil || conn == nil {
			return
		}
		p.sessionMu.Lock()
		payload, ok := session.Generate()
		if !ok {
			p.sessionMu.Unlock()
			return
		}
		err := conn.Write(protocol.EncodeFrame(nil, protocol.MessageSync, payload))
		p.sessionMu.Unlock()
		if err != nil {
			logs.Warnf("room %s sync write failed, err: %+v", p.room, err)
			return
		}
	}
}

func (p *Provider) sendFullAwareness() {
	entries := p.table.Entries()
	ids := make([]awareness.ClientID, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	payload, err := p.table.EncodeUpdate(ids)
	if err != nil {
		return
	}
	p.send(protocol.MessageAwareness, payload)
}

func (p *Provider) send(kind protocol.MessageKind, payload []byte) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Write(protocol.EncodeFrame(nil, kind, payload)); err != nil {
		logs.Warnf("room %s write failed, err: %+v", p.room, err)
	}
}

func (p *Provider) setStatus(status Status) {
	p.mu.Lock()
	if p.destroyed || p.status == status {
		p.mu.Unlock()
		return
	}
	p.status = status
	fns := make([]func(Status), 0, len(p.statusSubs))
	for _, fn := range p.statusSubs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
	p.notifyChange()
}

func (p *Provider) setSynced(synced bool) {
	p.mu.Lock()
	if p.destroyed || p.synced == synced {
		p.mu.Unlock()
		return
	}
	p.synced = synced
	fns := make([]func(bool), 0, len(p.syncedSubs))
	for _, fn := range p.syncedSubs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(synced)
	}
	p.notifyChange()
}

func (p *Provider) notifyUsers() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	fns := make([]func(map[awareness.ClientID]*awareness.Entry), 0, len(p.usersSubs))
	for _, fn := range p.usersSubs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	if len(fns) != 0 {
		users := p.table.Entries()
		for _, fn := range fns {
			fn(users)
		}
	}
	p.notifyChange()
}

func (p *Provider) notifyChange() {
	p.mu.Lock()
	if p.destroyed || len(p.changeSubs) == 0 {
		p.mu.Unlock()
		return
	}
	snapshot := Snapshot{Status: p.status, Synced: p.synced}
	fns := make([]func(Snapshot), 0, len(p.changeSubs))
	for _, fn := range p.changeSubs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	snapshot.Users = p.table.Entries()
	for _, fn := range fns {
		fn(snapshot)
	}
}
