package dispatch

// EventKind names a ride lifecycle transition.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventMatched   EventKind = "matched"
	EventExpired   EventKind = "expired"
	EventCancelled EventKind = "cancelled"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
)

type Event struct {
	Kind EventKind `json:"kind"`
	Ride Ride      `json:"ride"`
}

// Observer receives lifecycle events after the request lock is released.
// Implementations must not block; persistence and notification side effects
// belong on their own goroutines.
type Observer interface {
	RideEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) RideEvent(e Event) { f(e) }

func (c *Coordinator) AddObserver(o Observer) {
	c.omu.Lock()
	defer c.omu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Coordinator) emit(e Event) {
	c.omu.RLock()
	defer c.omu.RUnlock()
	for _, o := range c.observers {
		o.RideEvent(e)
	}
}
