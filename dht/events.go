package dht

// EventType identifies a DHT lifecycle event.
type EventType uint8

const (
	// EventStarting is dispatched once a controller has started its engine.
	EventStarting EventType = iota + 1
	// EventConnected is dispatched once the node is bootstrapped.
	EventConnected
	// EventStopped is dispatched when a controller stops.
	EventStopped
)

func (t EventType) String() string {
	switch t {
	case EventStarting:
		return "starting"
	case EventConnected:
		return "connected"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is delivered to EventListeners. The manager state may have changed
// again by the time a listener receives it.
type Event struct {
	Type EventType
	Mode Mode
}

// EventListener receives lifecycle events in the order they were generated.
// Implementations must be comparable; pointer receivers are.
type EventListener interface {
	HandleDHTEvent(e Event)
}

// dispatcher delivers events off the caller's goroutine.
type dispatcher interface {
	dispatch(e Event)
}
