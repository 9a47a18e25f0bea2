package cursor

import (
	"sort"
	"time"

	"collabsync/internal/awareness"
)

// Position is caret geometry in the host surface's coordinate space.
type Position struct {
	X      float64
	Y      float64
	Height float64
}

// Rect is one selection highlight rectangle.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// SurfaceResolver maps opaque node refs to layout geometry. Implemented
// by the host editing surface; geometry goes stale on scroll or resize
// without any presence change, so hosts re-call Resolve then too.
type SurfaceResolver interface {
	// ResolveCaret returns geometry for a caret, or false when the node
	// ref no longer exists in the surface.
	ResolveCaret(nodeRef string, offset int) (Position, bool)
	// ResolveSelection returns highlight rectangles for a selection, or
	// false when any referenced key is gone.
	ResolveSelection(selection awareness.Selection) ([]Rect, bool)
}

// RemoteCursor is one peer's renderable cursor state. Position is nil
// when the entry references nodes no longer present; such entries are
// stale, not errors.
type RemoteCursor struct {
	ClientID awareness.ClientID
	User     awareness.User
	Position *Position
	Rects    []Rect
	Active   bool
}

// Resolver computes renderable geometry for remote presence entries.
type Resolver struct {
	table           *awareness.Table
	surface         SurfaceResolver
	inactiveTimeout time.Duration

	now func() time.Time
}

// NewResolver builds a resolver. A zero timeout uses the default.
func NewResolver(table *awareness.Table, surface SurfaceResolver, inactiveTimeout time.Duration) *Resolver {
	if inactiveTimeout <= 0 {
		inactiveTimeout = DefaultInactiveTimeout
	}
	return &Resolver{
		table:           table,
		surface:         surface,
		inactiveTimeout: inactiveTimeout,
		now:             time.Now,
	}
}

// Resolve maps every remote entry to renderable geometry, ordered by
// client id. The local entry is excluded. Hosts call this on presence
// updates and again on scroll/resize.
func (r *Resolver) Resolve() []RemoteCursor {
	entries := r.table.Entries()
	now := r.now()

	out := make([]RemoteCursor, 0, len(entries))
	for id, e := range entries {
		if id == r.table.LocalID() {
			continue
		}
		rc := RemoteCursor{
			ClientID: id,
			User:     e.User,
			Active:   now.Sub(time.UnixMilli(e.LastActive)) < r.inactiveTimeout,
		}
		if e.Cursor != nil {
			if pos, ok := r.surface.ResolveCaret(e.Cursor.Focus.NodeRef, e.Cursor.Focus.Offset); ok {
				rc.Position = &pos
			}
		}
		if rc.Position != nil && e.Selection != nil {
			if rects, ok := r.surface.ResolveSelection(*e.Selection); ok {
				rc.Rects = rects
			}
		}
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
