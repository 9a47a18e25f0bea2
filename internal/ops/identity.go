package ops

import (
	"fmt"

	"github.com/google/uuid"
)

// Identity is the user identity attached to every connection attempt.
// Persistence of the identity across sessions belongs to the host
// application; this core only carries the value it was constructed with.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"userName"`
	Color  string `json:"userColor"`
}

var palette = []string{
	"#e11d48", "#ea580c", "#ca8a04", "#16a34a",
	"#0d9488", "#2563eb", "#7c3aed", "#c026d3",
}

// NewIdentity generates a fresh identity with a random user id and a
// color derived deterministically from that id.
func NewIdentity(name string) Identity {
	id := uuid.NewString()
	return Identity{
		UserID: id,
		Name:   name,
		Color:  ColorFor(id),
	}
}

// ColorFor picks a stable palette color for a user id.
func ColorFor(userID string) string {
	var sum uint32
	for _, b := range []byte(userID) {
		sum = sum*31 + uint32(b)
	}
	return palette[sum%uint32(len(palette))]
}

// Validate checks the fields a relay requires on connect.
func (id Identity) Validate() error {
	if id.UserID == "" {
		return fmt.Errorf("identity userId is empty")
	}
	if id.Name == "" {
		return fmt.Errorf("identity userName is empty")
	}
	return nil
}
