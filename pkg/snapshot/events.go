package snapshot

import "slices"

// EventName identifies a controller event; listeners see it scoped as "snapback:<name>".
type EventName string

const (
	EventCached EventName = "cached" // A snapshot was stored.
	EventLoaded EventName = "loaded" // A page load finished, restored from a snapshot or not.

	eventScope = "snapback"
)

// Scoped returns the name listeners observe in Event.Type.
func (n EventName) Scoped() string {
	return eventScope + ":" + string(n)
}

// Event is delivered to listeners.
type Event struct {
	Type     string    // Scoped event name, e.g. "snapback:loaded".
	Selector string    // Selector of the surface the event was dispatched on.
	Cache    *Snapshot // The stored / restored snapshot; nil when a load found nothing to restore.
}

type Listener func(Event)

// ListenerID identifies a registration so it can be removed; the zero value is never issued.
type ListenerID uint64

type registration struct {
	id       ListenerID
	listener Listener
}

// observers is a per-event list of listeners, called in registration order.
type observers struct {
	lastID    ListenerID
	listeners map[ /*scoped name*/ string][]registration
}

func newObservers() *observers {
	return &observers{listeners: make(map[string][]registration)}
}

func (o *observers) add(eventType string, listener Listener) ListenerID {
	o.lastID++
	o.listeners[eventType] = append(o.listeners[eventType], registration{id: o.lastID, listener: listener})
	return o.lastID
}

func (o *observers) remove(eventType string, id ListenerID) bool {
	registrations := o.listeners[eventType]
	idx := slices.IndexFunc(registrations, func(r registration) bool { return r.id == id })
	if idx < 0 {
		return false
	}
	o.listeners[eventType] = slices.Delete(slices.Clone(registrations), idx, idx+1)
	return true
}

// dispatch calls the listeners registered for `event.Type`. Listeners added or removed by a listener take
// effect from the next dispatch.
func (o *observers) dispatch(event Event) {
	for _, r := range o.listeners[event.Type] {
		r.listener(event)
	}
}
