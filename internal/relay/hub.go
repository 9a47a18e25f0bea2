package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"collabsync/internal/replica"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub owns the live rooms. Rooms are created on first join and collected
// when the last client leaves.
type Hub struct {
	store    *SnapshotStore
	debounce time.Duration

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub creates a hub. store may be nil to run without persistence.
func NewHub(store *SnapshotStore, snapshotDebounce time.Duration) *Hub {
	if snapshotDebounce <= 0 {
		snapshotDebounce = 5 * time.Second
	}
	return &Hub{
		store:    store,
		debounce: snapshotDebounce,
		rooms:    make(map[string]*Room),
	}
}

// Router returns the HTTP routes: websocket joins at /rooms/{room}, and
// a health probe at /healthz.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/rooms/{room}", h.serveRoom)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

func (h *Hub) serveRoom(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["room"]
	if name == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	query := req.URL.Query()
	user := userParams{
		ID:    query.Get("userId"),
		Name:  query.Get("userName"),
		Color: query.Get("userColor"),
	}
	if user.ID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logs.Warnf("upgrade failed for room %s, err: %+v", name, err)
		return
	}

	room := h.room(name)
	c := &client{
		hub:  h,
		room: room,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
		user: user,
	}
	room.join(c)
	go c.writePump()
	go c.readPump()
}

// room returns the live room, creating it (hydrated from the snapshot
// store when one exists) on first join.
func (h *Hub) room(name string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[name]; ok {
		return room
	}

	rep := h.hydrate(name)
	var snapshot func([]byte)
	if h.store != nil {
		snapshot = func(raw []byte) {
			if err := h.store.Save(name, raw); err != nil {
				logs.Errorf("snapshot save failed for room %s, err: %+v", name, err)
			}
		}
	}
	room := newRoom(name, rep, h.debounce, snapshot)
	h.rooms[name] = room
	return room
}

func (h *Hub) hydrate(name string) *replica.Replica {
	if h.store == nil {
		return replica.New()
	}
	raw, err := h.store.Load(name)
	if err != nil {
		if err != ErrNoSnapshot {
			logs.Errorf("snapshot load failed for room %s, err: %+v", name, err)
		}
		return replica.New()
	}
	rep, err := replica.Load(raw)
	if err != nil {
		logs.Errorf("corrupt snapshot for room %s, starting empty, err: %+v", name, err)
		return replica.New()
	}
	return rep
}

// drop removes a client, collecting the room when it empties.
func (h *Hub) drop(c *client) {
	if !c.room.leave(c) {
		return
	}
	h.mu.Lock()
	if h.rooms[c.room.Name()] == c.room && c.room.clientCount() == 0 {
		delete(h.rooms, c.room.Name())
	}
	h.mu.Unlock()
	c.room.flushSnapshot()
	logs.Infof("room %s collected", c.room.Name())
}
