// Package ha drives the node-local role state machine. A single worker
// consumes role-change notifications in arrival order, fences leader
// promotions through the epoch store, and dispatches registered callbacks so
// the rest of the application activates and deactivates in lockstep with the
// group's view of this node.
package ha

// Role is the node-local coordination role.
type Role int

const (
	// RoleInit is the starting role of every process.
	RoleInit Role = iota
	// RoleFollower replicates and serves reads.
	RoleFollower
	// RoleLeader holds the fencing epoch and serves writes.
	RoleLeader
	// RoleObserver replicates but never votes or leads.
	RoleObserver
	// RoleUnknown means group state is temporarily unresolvable.
	RoleUnknown
)

var roleNames = map[Role]string{
	RoleInit:     "INIT",
	RoleFollower: "FOLLOWER",
	RoleLeader:   "LEADER",
	RoleObserver: "OBSERVER",
	RoleUnknown:  "UNKNOWN",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseRole maps the wire form back to a Role. Unrecognized input parses as
// RoleUnknown.
func ParseRole(s string) Role {
	for role, name := range roleNames {
		if name == s {
			return role
		}
	}
	return RoleUnknown
}
