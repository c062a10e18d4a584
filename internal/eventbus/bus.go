// Package eventbus routes server events and chat commands to registered
// handlers, and runs periodic routines per session.
package eventbus

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ernie/urtwarden/internal/domain"
	"github.com/ernie/urtwarden/internal/metrics"
)

// Built-in listeners and the method prefixes that bind plugin methods to them
const (
	ListenerServerEvent = "serverevent"
	ListenerCommand     = "command"

	PrefixServerEvent = "SrvEvent"
	PrefixCommand     = "Command"
	PrefixRoutine     = "Routine"
)

var (
	ErrUnknownListener  = errors.New("unknown listener")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrUnknownRoutine   = errors.New("unknown routine")
)

// Outcome is the result of a dispatch
type Outcome int

const (
	OK Outcome = iota
	UndefinedListener
	UndefinedEvent
	AccessDenied
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case UndefinedListener:
		return "undefined_listener"
	case UndefinedEvent:
		return "undefined_event"
	case AccessDenied:
		return "access_denied"
	default:
		return "unknown"
	}
}

// Session is the handle of the server a call originates from
type Session interface {
	Name() string
	State() *domain.SessionState
	Rcon(cmd string, args ...string) error
	Tell(clientID int, msg string) error
}

// Call is what a handler receives
type Call struct {
	Session  Session
	Listener string
	Event    string
	Level    int            // caller's access level
	Player   *domain.Player // acting player, nil for server events without one
	Args     []string       // command arguments
	Data     any            // parsed event payload
}

// Handler handles one dispatched call
type Handler func(c *Call) error

type registration struct {
	id       string
	fn       Handler
	minLevel int
}

type event struct {
	minLevel int // highest level any handler ever asked for
	handlers []registration
}

type listener struct {
	name   string
	prefix string
	events map[string]*event
}

// Bus holds listeners, their events and routines. Registration may happen
// while sessions dispatch concurrently.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string]*listener
	order     []string
	routines  []*routine
	log       logrus.FieldLogger
}

// New creates an empty bus
func New(log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{
		listeners: make(map[string]*listener),
		log:       log.WithField("component", "eventbus"),
	}
}

// NewDefault creates a bus with the serverevent and command listeners
func NewDefault(log logrus.FieldLogger) *Bus {
	b := New(log)
	b.AddListener(ListenerServerEvent, PrefixServerEvent)
	b.AddListener(ListenerCommand, PrefixCommand)
	return b
}

// AddListener creates a listener. Plugin methods named prefix+Name bind to
// event lower(Name) on it; an empty prefix disables auto-binding.
func (b *Bus) AddListener(name, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[name]; ok {
		return fmt.Errorf("listener %q already exists", name)
	}
	b.listeners[name] = &listener{name: name, prefix: prefix, events: make(map[string]*event)}
	b.order = append(b.order, name)
	return nil
}

// AddEvent binds a handler to an event. The event's minimum level only ever
// rises. Re-registering the same id on the same event fails.
func (b *Bus) AddEvent(listenerName, id, eventName string, fn Handler, minLevel int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addEvent(listenerName, id, eventName, fn, minLevel)
}

func (b *Bus) addEvent(listenerName, id, eventName string, fn Handler, minLevel int) error {
	l, ok := b.listeners[listenerName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownListener, listenerName)
	}
	eventName = strings.ToLower(eventName)
	ev, ok := l.events[eventName]
	if !ok {
		ev = &event{}
		l.events[eventName] = ev
	}
	for _, h := range ev.handlers {
		if h.id == id {
			return fmt.Errorf("%w: %s on %s/%s", ErrDuplicateHandler, id, listenerName, eventName)
		}
	}
	ev.handlers = append(ev.handlers, registration{id: id, fn: fn, minLevel: minLevel})
	if minLevel > ev.minLevel {
		ev.minLevel = minLevel
	}
	return nil
}

// DeleteEvent unbinds a handler. The event's level is kept.
func (b *Bus) DeleteEvent(listenerName, id, eventName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.listeners[listenerName]
	if !ok {
		return false
	}
	ev, ok := l.events[strings.ToLower(eventName)]
	if !ok {
		return false
	}
	for i, h := range ev.handlers {
		if h.id == id {
			ev.handlers = append(ev.handlers[:i:i], ev.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// EventLevel returns the minimum level of an event
func (b *Bus) EventLevel(listenerName, eventName string) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.listeners[listenerName]
	if !ok {
		return 0, false
	}
	ev, ok := l.events[strings.ToLower(eventName)]
	if !ok {
		return 0, false
	}
	return ev.minLevel, true
}

// Events lists the events of a listener that have at least one handler
func (b *Bus) Events(listenerName string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.listeners[listenerName]
	if !ok {
		return nil
	}
	var names []string
	for name, ev := range l.events {
		if len(ev.handlers) > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Dispatch invokes every handler of c.Event in registration order. A failing
// or panicking handler does not stop the others; their errors are joined.
func (b *Bus) Dispatch(c Call) (Outcome, error) {
	c.Event = strings.ToLower(c.Event)

	b.mu.RLock()
	l, ok := b.listeners[c.Listener]
	if !ok {
		b.mu.RUnlock()
		metrics.Dispatches.WithLabelValues(c.Listener, UndefinedListener.String()).Inc()
		return UndefinedListener, nil
	}
	ev, ok := l.events[c.Event]
	if !ok || len(ev.handlers) == 0 {
		b.mu.RUnlock()
		metrics.Dispatches.WithLabelValues(c.Listener, UndefinedEvent.String()).Inc()
		return UndefinedEvent, nil
	}
	if c.Level < ev.minLevel {
		b.mu.RUnlock()
		metrics.Dispatches.WithLabelValues(c.Listener, AccessDenied.String()).Inc()
		return AccessDenied, nil
	}
	handlers := append([]registration(nil), ev.handlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		call := c
		fn := h.fn
		if err := b.invoke(h.id, func() error { return fn(&call) }); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.Dispatches.WithLabelValues(c.Listener, OK.String()).Inc()
	return OK, errors.Join(errs...)
}

// DispatchCommand runs a chat command at the acting player's level and tells
// the player when the command is unknown or not allowed
func (b *Bus) DispatchCommand(s Session, player *domain.Player, name string, args []string) (Outcome, error) {
	level := 0
	if player != nil {
		level = player.Level
	}
	outcome, err := b.Dispatch(Call{
		Session:  s,
		Listener: ListenerCommand,
		Event:    name,
		Level:    level,
		Player:   player,
		Args:     args,
	})

	var reply string
	switch outcome {
	case UndefinedListener, UndefinedEvent:
		reply = fmt.Sprintf("Command !%s not found", name)
	case AccessDenied:
		reply = fmt.Sprintf("You are not allowed to use !%s", name)
	}
	if reply != "" && player != nil && s != nil {
		if tellErr := s.Tell(player.ID, reply); tellErr != nil {
			err = errors.Join(err, fmt.Errorf("replying to %d: %w", player.ID, tellErr))
		}
	}
	return outcome, err
}

// Unregister removes every event handler and routine registered under id
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unregister(id)
}

func (b *Bus) unregister(id string) {
	for _, l := range b.listeners {
		for _, ev := range l.events {
			kept := ev.handlers[:0:0]
			for _, h := range ev.handlers {
				if h.id != id {
					kept = append(kept, h)
				}
			}
			ev.handlers = kept
		}
	}

	kept := b.routines[:0:0]
	for _, r := range b.routines {
		if r.id != id && !strings.HasPrefix(r.id, id+".") {
			kept = append(kept, r)
		}
	}
	b.routines = kept
}

// invoke runs fn, turning a panic into an error
func (b *Bus) invoke(id string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", id, r)
		}
		if err != nil {
			metrics.HandlerFailures.WithLabelValues(id).Inc()
			b.log.WithField("handler", id).WithError(err).Error("handler failed")
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("handler %s: %w", id, err)
	}
	return nil
}
