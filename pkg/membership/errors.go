package membership

import (
	"errors"
	"fmt"
)

// ErrMemberNotFound is returned when an operation names an unknown node id.
var ErrMemberNotFound = errors.New("member not found")

// ErrNoLeader is returned when leader discovery finds no live leader within
// its deadline. Callers should treat it as transient and retry later.
var ErrNoLeader = errors.New("no leader elected")

// AddressConflictError reports an address update rejected because another
// node with a more recent heartbeat holds the address.
type AddressConflictError struct {
	NodeID   string
	WinnerID string
	Host     string
	Port     int
}

func (e *AddressConflictError) Error() string {
	return fmt.Sprintf("address %s:%d held by %s with a more recent heartbeat, update from %s rejected",
		e.Host, e.Port, e.WinnerID, e.NodeID)
}

// NotLeaderError reports a mutation attempted on a non-leader. It carries the
// current leader's address so callers can redirect.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "not the leader, current leader unknown"
	}
	return fmt.Sprintf("not the leader, current leader is %s at %s", e.LeaderID, e.LeaderAddr)
}
