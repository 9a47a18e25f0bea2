// Package cursor translates the local editing surface's selection into
// presence entries with bounded publish frequency, and resolves remote
// entries back into renderable screen geometry.
package cursor

import (
	"sync"
	"time"

	"collabsync/internal/awareness"
)

const (
	DefaultDebounceWindow  = 50 * time.Millisecond
	DefaultInactiveTimeout = 30 * time.Second
)

// Broadcaster publishes local selection changes into the presence table.
// Deliberate single changes go out immediately; bursts from typing or
// drag-selection coalesce into one trailing publish per window.
type Broadcaster struct {
	table  *awareness.Table
	window time.Duration

	mu          sync.Mutex
	lastPublish time.Time
	timer       *time.Timer
	pending     bool
	cursor      *awareness.Cursor
	selection   *awareness.Selection
	closed      bool

	now func() time.Time
}

// NewBroadcaster builds a broadcaster over the table. A window of zero
// uses the default.
func NewBroadcaster(table *awareness.Table, window time.Duration) *Broadcaster {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Broadcaster{
		table:  table,
		window: window,
		now:    time.Now,
	}
}

// SelectionChanged records the latest local selection. Passing nil for
// both publishes a null cursor so peers drop the stale highlight.
func (b *Broadcaster) SelectionChanged(cursor *awareness.Cursor, selection *awareness.Selection) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	now := b.now()
	if now.Sub(b.lastPublish) >= 2*b.window {
		// Absorb any armed trailing publish; it holds an older selection
		// and firing after this would leave peers on stale state.
		if b.pending {
			b.pending = false
			b.cursor, b.selection = nil, nil
			if b.timer != nil {
				b.timer.Stop()
			}
		}
		b.lastPublish = now
		b.mu.Unlock()
		b.table.SetLocalCursor(cursor, selection)
		return
	}

	b.cursor = cursor
	b.selection = selection
	if !b.pending {
		b.pending = true
		b.timer = time.AfterFunc(b.window, b.publishPending)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) publishPending() {
	b.mu.Lock()
	if b.closed || !b.pending {
		b.mu.Unlock()
		return
	}
	b.pending = false
	cursor, selection := b.cursor, b.selection
	b.cursor, b.selection = nil, nil
	b.lastPublish = b.now()
	b.mu.Unlock()
	b.table.SetLocalCursor(cursor, selection)
}

// Close cancels any trailing publish. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.pending = false
	if b.timer != nil {
		b.timer.Stop()
	}
}
