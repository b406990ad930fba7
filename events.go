package cobase

import "context"

type EventType uint8

const (
	Added EventType = iota + 1
	Replaced
	Deleted
	// Invalidated is published by derived tables so tables derived from
	// them can follow.
	Invalidated
)

func (t EventType) String() string {
	switch t {
	case Added:
		return "added"
	case Replaced:
		return "replaced"
	case Deleted:
		return "deleted"
	case Invalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Event describes one change to an entity.
type Event struct {
	Table   string
	Type    EventType
	ID      ID
	Version uint64
	// Source is the pid of the process that made the change; 0 means this
	// process.
	Source int
	// Previous holds the value a Deleted event removed, when it was known.
	Previous any
}

func (e Event) Local() bool { return e.Source == 0 }

type Listener interface {
	Updated(ctx context.Context, e Event)
}

type ListenerFunc func(ctx context.Context, e Event)

func (f ListenerFunc) Updated(ctx context.Context, e Event) { f(ctx, e) }
