package replica

import "fmt"

// Origin tags a mutation with its source so update handlers can ignore
// events they produced themselves and avoid re-broadcast loops.
type Origin struct {
	remote bool
	connID uint64
}

// OriginLocal marks a mutation made by the local editing surface.
var OriginLocal = Origin{}

// OriginRemote marks a mutation applied from the given connection.
func OriginRemote(connID uint64) Origin {
	return Origin{remote: true, connID: connID}
}

// IsLocal reports whether the mutation originated on this client.
func (o Origin) IsLocal() bool { return !o.remote }

// ConnID returns the connection the mutation arrived on, or 0 for local.
func (o Origin) ConnID() uint64 {
	if !o.remote {
		return 0
	}
	return o.connID
}

func (o Origin) String() string {
	if !o.remote {
		return "local"
	}
	return fmt.Sprintf("remote(%d)", o.connID)
}
