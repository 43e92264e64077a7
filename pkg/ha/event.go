package ha

import (
	"time"

	"github.com/google/uuid"
)

// StateChangeEvent is one role-change notification. Events are consumed
// exactly once, in arrival order.
type StateChangeEvent struct {
	ID         string
	SourceRole Role
	TargetRole Role
	EnqueuedAt time.Time
}

// NewStateChangeEvent stamps a notification with an id for log correlation.
func NewStateChangeEvent(source, target Role) StateChangeEvent {
	return StateChangeEvent{
		ID:         uuid.NewString(),
		SourceRole: source,
		TargetRole: target,
		EnqueuedAt: time.Now(),
	}
}

// Transition is a committed role change. Epoch carries the fencing epoch for
// transitions into the leader role and is zero otherwise.
type Transition struct {
	ID     string
	Source Role
	Target Role
	Epoch  int64
	At     time.Time
}
