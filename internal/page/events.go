package page

import (
	"golang.org/x/net/html"
)

const EventClick = "click"

type Phase int

const (
	PhaseCapture Phase = iota + 1
	PhaseTarget
	PhaseBubble
)

type Event struct {
	Type        string
	Target      *html.Node
	CurrentNode *html.Node
	Phase       Phase

	propagationStopped bool
}

// StopPropagation keeps the event from reaching listeners on further nodes.
// Listeners already registered on the current node still run.
func (e *Event) StopPropagation() {
	e.propagationStopped = true
}

type Listener func(event *Event)

type listenerEntry struct {
	eventType string
	capture   bool
	listener  Listener
}

// AddEventListener registers listener on node; a nil node means the document.
func (p *Page) AddEventListener(node *html.Node, eventType string, listener Listener, capture bool) {
	if node == nil {
		node = p.document
	}
	p.listenersMutex.Lock()
	defer p.listenersMutex.Unlock()
	p.listeners[node] = append(p.listeners[node], listenerEntry{
		eventType: eventType,
		capture:   capture,
		listener:  listener,
	})
}

// Dispatch delivers an event along the document path: capture listeners from
// the document down, then the target, then bubble listeners back up.
// It must run on the task loop.
func (p *Page) Dispatch(target *html.Node, eventType string) {
	if target == nil {
		return
	}
	path := make([]*html.Node, 0, 16)
	for n := target.Parent; n != nil; n = n.Parent {
		path = append(path, n)
	}
	event := &Event{Type: eventType, Target: target}

	event.Phase = PhaseCapture
	for i := len(path) - 1; i >= 0; i-- {
		if p.invoke(path[i], event, func(entry listenerEntry) bool { return entry.capture }) {
			return
		}
	}

	event.Phase = PhaseTarget
	if p.invoke(target, event, func(entry listenerEntry) bool { return entry.capture }) {
		return
	}
	if p.invoke(target, event, func(entry listenerEntry) bool { return !entry.capture }) {
		return
	}

	event.Phase = PhaseBubble
	for _, n := range path {
		if p.invoke(n, event, func(entry listenerEntry) bool { return !entry.capture }) {
			return
		}
	}
}

// invoke runs the matching listeners on node and reports whether propagation stopped.
func (p *Page) invoke(node *html.Node, event *Event, match func(listenerEntry) bool) bool {
	p.listenersMutex.Lock()
	entries := append([]listenerEntry(nil), p.listeners[node]...)
	p.listenersMutex.Unlock()

	event.CurrentNode = node
	for _, entry := range entries {
		if entry.eventType != event.Type || !match(entry) {
			continue
		}
		p.callListener(entry.listener, event)
	}
	return event.propagationStopped
}

func (p *Page) callListener(listener Listener, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event listener panicked", "type", event.Type, "panic", r)
		}
	}()
	listener(event)
}
