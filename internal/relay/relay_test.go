package relay

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/internal/protocol"
	"collabsync/internal/replica"
)

// roomPeer drives one fabricated client against a Room directly, without
// a websocket, keeping its own replica in sync through the room.
type roomPeer struct {
	c    *client
	rep  *replica.Replica
	sess *replica.SyncSession
}

func joinRoomPeer(t *testing.T, room *Room, actor string) *roomPeer {
	t.Helper()
	rep := replica.New()
	require.NoError(t, rep.SetActor(actor))
	p := &roomPeer{
		c:   &client{room: room, send: make(chan []byte, sendQueueSize), done: make(chan struct{})},
		rep: rep,
	}
	p.sess = rep.NewSyncSession(1)
	room.join(p.c)
	return p
}

// step drains queued frames into the peer and pushes any generated sync
// back to the room, reporting whether anything moved.
func (p *roomPeer) step(t *testing.T) bool {
	t.Helper()
	moved := false
	for {
		select {
		case raw := <-p.c.send:
			frame, err := protocol.DecodeFrame(raw)
			require.NoError(t, err)
			if frame.Kind == protocol.MessageSync {
				require.NoError(t, p.sess.Receive(frame.Payload))
			}
			moved = true
			continue
		default:
		}
		break
	}
	for {
		payload, ok := p.sess.Generate()
		if !ok {
			break
		}
		p.c.room.handleSync(p.c, payload)
		moved = true
	}
	return moved
}

func settle(t *testing.T, peers ...*roomPeer) {
	t.Helper()
	for moved := true; moved; {
		moved = false
		for _, p := range peers {
			if p.step(t) {
				moved = true
			}
		}
	}
}

func TestRoomSyncsPeersThroughRelay(t *testing.T) {
	room := newRoom("doc-1", replica.New(), time.Second, nil)

	a := joinRoomPeer(t, room, "aa")
	b := joinRoomPeer(t, room, "bb")
	settle(t, a, b)

	require.NoError(t, a.rep.Edit(func(doc *automerge.Doc) error {
		return doc.Path("title").Set("hello")
	}))
	settle(t, a, b)

	title, err := b.rep.Doc().Path("title").Get()
	require.NoError(t, err)
	assert.Equal(t, "hello", title.Str())
	assert.Equal(t, a.rep.Heads(), room.rep.Heads(), "relay replica should track the room")
}

func TestRoomLateJoinerCatchesUp(t *testing.T) {
	room := newRoom("doc-2", replica.New(), time.Second, nil)

	a := joinRoomPeer(t, room, "aa")
	settle(t, a)
	require.NoError(t, a.rep.Edit(func(doc *automerge.Doc) error {
		return doc.Path("body").Set("written before b existed")
	}))
	settle(t, a)

	b := joinRoomPeer(t, room, "bb")
	settle(t, a, b)

	body, err := b.rep.Doc().Path("body").Get()
	require.NoError(t, err)
	assert.Equal(t, "written before b existed", body.Str())
}

func TestRoomJoinQueriesExistingClientsForPresence(t *testing.T) {
	room := newRoom("doc-3", replica.New(), time.Second, nil)
	a := joinRoomPeer(t, room, "aa")
	settle(t, a)

	b := joinRoomPeer(t, room, "bb")

	sawQuery := false
	select {
	case raw := <-a.c.send:
		frame, err := protocol.DecodeFrame(raw)
		require.NoError(t, err)
		sawQuery = frame.Kind == protocol.MessageQueryAwareness
	default:
	}
	assert.True(t, sawQuery, "existing client should be asked to re-broadcast presence")
	_ = b
}

func TestRoomRelaysAwarenessVerbatim(t *testing.T) {
	room := newRoom("doc-4", replica.New(), time.Second, nil)
	a := joinRoomPeer(t, room, "aa")
	b := joinRoomPeer(t, room, "bb")
	settle(t, a, b)

	raw := protocol.EncodeFrame(nil, protocol.MessageAwareness, []byte(`{"entries":[]}`))
	room.relayFrame(a.c, raw)

	select {
	case got := <-b.c.send:
		assert.Equal(t, raw, got)
	default:
		t.Fatal("awareness frame not relayed")
	}
	select {
	case got := <-a.c.send:
		t.Fatalf("sender should not receive its own frame, got %v", got)
	default:
	}
}

func TestRoomDroppedSyncFrameKeepsRoomAlive(t *testing.T) {
	room := newRoom("doc-5", replica.New(), time.Second, nil)
	a := joinRoomPeer(t, room, "aa")
	b := joinRoomPeer(t, room, "bb")
	settle(t, a, b)

	room.handleSync(a.c, []byte("definitely not a sync message"))

	require.NoError(t, a.rep.Edit(func(doc *automerge.Doc) error {
		return doc.Path("x").Set(int64(1))
	}))
	settle(t, a, b)
	x, err := b.rep.Doc().Path("x").Get()
	require.NoError(t, err)
	assert.EqualValues(t, 1, x.Int64())
}

// drain applies queued frames without generating replies, so a peer can
// keep its inbox small while other goroutines are still pumping.
func (p *roomPeer) drain() {
	for {
		select {
		case raw := <-p.c.send:
			if frame, err := protocol.DecodeFrame(raw); err == nil && frame.Kind == protocol.MessageSync {
				_ = p.sess.Receive(frame.Payload)
			}
		default:
			return
		}
	}
}

func TestRoomConcurrentEditsKeepStreamsOrdered(t *testing.T) {
	room := newRoom("doc-7", replica.New(), time.Second, nil)
	peers := []*roomPeer{
		joinRoomPeer(t, room, "aa"),
		joinRoomPeer(t, room, "bb"),
		joinRoomPeer(t, room, "cc"),
	}
	settle(t, peers...)

	// Every peer edits and pumps from its own goroutine, so the room's
	// per-client sessions are pumped from many goroutines at once.
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p *roomPeer) {
			defer wg.Done()
			key := fmt.Sprintf("field-%d", i)
			for n := 0; n < 25; n++ {
				assert.NoError(t, p.rep.Edit(func(doc *automerge.Doc) error {
					return doc.Path(key).Set(int64(n))
				}))
				for {
					payload, ok := p.sess.Generate()
					if !ok {
						break
					}
					room.handleSync(p.c, payload)
				}
				p.drain()
			}
		}(i, p)
	}
	wg.Wait()
	settle(t, peers...)

	for i, p := range peers {
		assert.Equal(t, room.rep.Heads(), p.rep.Heads(), "peer %d should converge with the room", i)
		for j := range peers {
			v, err := p.rep.Doc().Path(fmt.Sprintf("field-%d", j)).Get()
			require.NoError(t, err)
			assert.EqualValues(t, 24, v.Int64(), "peer %d missing edits from peer %d", i, j)
		}
	}
}

func TestRoomSnapshotDebounceAndFlush(t *testing.T) {
	var mu sync.Mutex
	var saves [][]byte
	room := newRoom("doc-6", replica.New(), 20*time.Millisecond, func(raw []byte) {
		mu.Lock()
		saves = append(saves, raw)
		mu.Unlock()
	})
	a := joinRoomPeer(t, room, "aa")
	settle(t, a)

	require.NoError(t, a.rep.Edit(func(doc *automerge.Doc) error {
		return doc.Path("n").Set(int64(1))
	}))
	settle(t, a)
	require.NoError(t, a.rep.Edit(func(doc *automerge.Doc) error {
		return doc.Path("n").Set(int64(2))
	}))
	settle(t, a)

	mu.Lock()
	immediate := len(saves)
	mu.Unlock()
	assert.Zero(t, immediate, "snapshot should be debounced, not immediate")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(saves) == 1
	}, time.Second, 5*time.Millisecond, "debounced snapshot should fire once")

	room.flushSnapshot()
	mu.Lock()
	total := len(saves)
	last := saves[len(saves)-1]
	mu.Unlock()
	assert.Equal(t, 2, total)

	restored, err := replica.Load(last)
	require.NoError(t, err)
	n, err := restored.Doc().Path("n").Get()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n.Int64())
}

// wsPeer is a real websocket client for the hub end-to-end test.
type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn

	mu   sync.Mutex
	rep  *replica.Replica
	sess *replica.SyncSession

	awareness chan []byte
	done      chan struct{}
}

func dialPeer(t *testing.T, srv *httptest.Server, room, userID string) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rooms/" + room + "?userId=" + userID + "&userName=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	rep := replica.New()
	require.NoError(t, rep.SetActor(strings.Repeat(userID[:1], 2)))
	p := &wsPeer{
		t:         t,
		conn:      conn,
		rep:       rep,
		sess:      rep.NewSyncSession(1),
		awareness: make(chan []byte, 16),
		done:      make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *wsPeer) pump() {
	defer close(p.done)
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			continue
		}
		switch frame.Kind {
		case protocol.MessageSync:
			p.mu.Lock()
			if err := p.sess.Receive(frame.Payload); err == nil {
				p.flushSyncLocked()
			}
			p.mu.Unlock()
		case protocol.MessageAwareness:
			select {
			case p.awareness <- frame.Payload:
			default:
			}
		}
	}
}

func (p *wsPeer) flushSyncLocked() {
	for {
		payload, ok := p.sess.Generate()
		if !ok {
			return
		}
		frame := protocol.EncodeFrame(nil, protocol.MessageSync, payload)
		if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

func (p *wsPeer) edit(fn func(doc *automerge.Doc) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(p.t, p.rep.Edit(fn))
	p.flushSyncLocked()
}

func (p *wsPeer) get(path string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.rep.Doc().Path(path).Get()
	if err != nil || v.Kind() != automerge.KindStr {
		return "", false
	}
	return v.Str(), true
}

func (p *wsPeer) close() {
	_ = p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = p.conn.Close()
	<-p.done
}

func TestHubEndToEndOverWebsocket(t *testing.T) {
	hub := NewHub(nil, time.Second)
	srv := httptest.NewServer(hub.Router())
	defer srv.Close()

	a := dialPeer(t, srv, "shared", "alice")
	defer a.close()
	b := dialPeer(t, srv, "shared", "bob")
	defer b.close()

	a.edit(func(doc *automerge.Doc) error {
		return doc.Path("title").Set("end to end")
	})

	require.Eventually(t, func() bool {
		got, ok := b.get("title")
		return ok && got == "end to end"
	}, 5*time.Second, 10*time.Millisecond, "edit should reach the other client through the relay")

	// Presence frames pass through untouched.
	payload := []byte(`{"entries":[{"clientId":7,"clock":1}]}`)
	frame := protocol.EncodeFrame(nil, protocol.MessageAwareness, payload)
	a.mu.Lock()
	require.NoError(t, a.conn.WriteMessage(websocket.BinaryMessage, frame))
	a.mu.Unlock()

	select {
	case got := <-b.awareness:
		assert.Equal(t, payload, got)
	case <-time.After(5 * time.Second):
		t.Fatal("awareness frame never relayed")
	}
}

func TestHubRejectsJoinWithoutUser(t *testing.T) {
	hub := NewHub(nil, time.Second)
	srv := httptest.NewServer(hub.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rooms/shared"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 400, resp.StatusCode)
	}
}
