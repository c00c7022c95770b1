package routing

// EventType identifies a route table change.
type EventType uint8

const (
	EventAddActive EventType = iota + 1
	EventAddCached
	EventUpdate
	EventRemove
)

func (t EventType) String() string {
	switch t {
	case EventAddActive:
		return "add_active"
	case EventAddCached:
		return "add_cached"
	case EventUpdate:
		return "update"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event describes a single route table change. Replaced is set when an
// added contact took the slot of another one.
type Event struct {
	Type     EventType
	Contact  *Contact
	Replaced *Contact
}

// Listener receives route table events. Listeners are called after the
// table lock has been released, in the order the changes were applied.
type Listener func(Event)
