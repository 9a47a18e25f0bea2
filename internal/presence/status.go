// Package presence derives coarse online/away/offline states from raw
// activity timestamps and keeps the local client's own status current,
// including tab-visibility transitions reported by the host.
package presence

import (
	"sync"
	"time"

	"collabsync/internal/awareness"
)

const (
	DefaultAwayTimeout       = 60 * time.Second
	DefaultOfflineTimeout    = 300 * time.Second
	DefaultActivityDebounce  = 5 * time.Second
	DefaultRecomputeInterval = 10 * time.Second
)

// Config tunes the resolver timeouts.
type Config struct {
	AwayTimeout       time.Duration
	OfflineTimeout    time.Duration
	ActivityDebounce  time.Duration
	RecomputeInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.AwayTimeout <= 0 {
		c.AwayTimeout = DefaultAwayTimeout
	}
	if c.OfflineTimeout <= 0 {
		c.OfflineTimeout = DefaultOfflineTimeout
	}
	if c.ActivityDebounce <= 0 {
		c.ActivityDebounce = DefaultActivityDebounce
	}
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = DefaultRecomputeInterval
	}
	return c
}

// Derive resolves one entry's status at the given instant. An explicit
// status on the entry always wins over the timestamp-derived one.
func Derive(e *awareness.Entry, now time.Time, cfg Config) awareness.Status {
	cfg = cfg.withDefaults()
	if e.Status != "" {
		return e.Status
	}
	idle := now.Sub(time.UnixMilli(e.LastActive))
	switch {
	case idle < cfg.AwayTimeout:
		return awareness.StatusOnline
	case idle < cfg.OfflineTimeout:
		return awareness.StatusAway
	default:
		return awareness.StatusOffline
	}
}

// SnapshotFunc receives the full derived-status map after a recompute
// that changed at least one entry.
type SnapshotFunc func(map[awareness.ClientID]awareness.Status)

// Resolver tracks derived statuses for every table entry. Statuses decay
// passively on a fixed interval, because a crashed peer goes stale
// without sending anything further.
type Resolver struct {
	table *awareness.Table
	cfg   Config

	mu        sync.Mutex
	statuses  map[awareness.ClientID]awareness.Status
	onChange  SnapshotFunc
	lastTouch time.Time
	closed    bool

	now         func() time.Time
	done        chan struct{}
	unsubscribe func()
}

// NewResolver builds a resolver over the table and starts the periodic
// recompute loop.
func NewResolver(table *awareness.Table, cfg Config) *Resolver {
	r := &Resolver{
		table:    table,
		cfg:      cfg.withDefaults(),
		statuses: make(map[awareness.ClientID]awareness.Status),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	r.unsubscribe = table.Subscribe(func(awareness.Update) { r.Recompute() })
	r.Recompute()
	go r.loop()
	return r
}

// OnChange sets the snapshot callback.
func (r *Resolver) OnChange(fn SnapshotFunc) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Statuses returns a copy of the current derived statuses.
func (r *Resolver) Statuses() map[awareness.ClientID]awareness.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[awareness.ClientID]awareness.Status, len(r.statuses))
	for id, s := range r.statuses {
		out[id] = s
	}
	return out
}

// Touch records local user activity, debounced so rapid interaction
// signals do not amplify into a presence write per event.
func (r *Resolver) Touch() {
	r.mu.Lock()
	now := r.now()
	if now.Sub(r.lastTouch) < r.cfg.ActivityDebounce {
		r.mu.Unlock()
		return
	}
	r.lastTouch = now
	r.mu.Unlock()
	r.table.SetLocalLastActive(now)
}

// ForceTouch records activity immediately, bypassing the debounce.
func (r *Resolver) ForceTouch() {
	r.mu.Lock()
	now := r.now()
	r.lastTouch = now
	r.mu.Unlock()
	r.table.SetLocalLastActive(now)
}

// SetHidden reflects host page visibility into the explicit status
// field. Returning to visible forces an activity stamp so peers see the
// comeback promptly.
func (r *Resolver) SetHidden(hidden bool) {
	if hidden {
		r.table.SetLocalStatus(awareness.StatusAway)
		return
	}
	r.table.SetLocalStatus(awareness.StatusOnline)
	r.ForceTouch()
}

// Recompute re-derives every status and fires the callback when any
// entry changed.
func (r *Resolver) Recompute() {
	entries := r.table.Entries()

	r.mu.Lock()
	now := r.now()
	changed := len(entries) != len(r.statuses)
	next := make(map[awareness.ClientID]awareness.Status, len(entries))
	for id, e := range entries {
		s := Derive(e, now, r.cfg)
		next[id] = s
		if r.statuses[id] != s {
			changed = true
		}
	}
	r.statuses = next
	fn := r.onChange
	r.mu.Unlock()

	if changed && fn != nil {
		fn(r.Statuses())
	}
}

// Close stops the recompute loop and detaches from the table.
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.unsubscribe()
	close(r.done)
}

func (r *Resolver) loop() {
	ticker := time.NewTicker(r.cfg.RecomputeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Recompute()
		}
	}
}
