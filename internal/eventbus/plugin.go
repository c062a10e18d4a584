package eventbus

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Plugin is any value whose exported methods follow the naming scheme:
//
//	SrvEvent<Name>(*Call) error        serverevent listener, event lower(Name)
//	Command<Name>(*Call) error         command listener, command lower(Name)
//	Routine<Name>(Session, time.Time) error
//
// Methods are bound under the plugin's Name.
type Plugin interface {
	Name() string
}

// LevelSetter lets a plugin require access levels, keyed by method name
// (e.g. "CommandKick": 50). Unlisted methods require level 0.
type LevelSetter interface {
	Levels() map[string]int
}

// IntervalSetter lets a plugin choose routine intervals, keyed by method name
type IntervalSetter interface {
	Intervals() map[string]time.Duration
}

// binding is one method of a plugin waiting to be bound
type binding struct {
	method   string
	suffix   string
	handler  Handler
	routine  Routine
	interval time.Duration
}

// Register binds every matching method of p. Nothing is registered if any
// binding fails. Methods matching several listener prefixes are bound in
// listener creation order.
func (b *Bus) Register(p Plugin) error {
	id := p.Name()
	if id == "" {
		return fmt.Errorf("plugin %T has no name", p)
	}

	var levels map[string]int
	if ls, ok := p.(LevelSetter); ok {
		levels = ls.Levels()
	}
	var intervals map[string]time.Duration
	if is, ok := p.(IntervalSetter); ok {
		intervals = is.Intervals()
	}

	var routines, handlers []binding
	v := reflect.ValueOf(p)
	typ := v.Type()
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		fn := v.Method(i).Interface()

		if suffix, ok := strings.CutPrefix(method.Name, PrefixRoutine); ok && suffix != "" {
			routineFn, ok := fn.(func(Session, time.Time) error)
			if !ok {
				return fmt.Errorf("plugin %s: %s has the wrong signature for a routine", id, method.Name)
			}
			interval, ok := intervals[method.Name]
			if !ok {
				interval = DefaultRoutineInterval
			}
			routines = append(routines, binding{method: method.Name, suffix: suffix, routine: routineFn, interval: interval})
			continue
		}
		if handler, ok := fn.(func(*Call) error); ok {
			handlers = append(handlers, binding{method: method.Name, handler: handler})
		} else {
			handlers = append(handlers, binding{method: method.Name})
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasID(id) {
		return fmt.Errorf("plugin %s: %w", id, ErrDuplicateHandler)
	}

	bound := 0
	fail := func(err error) error {
		b.unregister(id)
		return fmt.Errorf("plugin %s: %w", id, err)
	}
	for _, r := range routines {
		if err := b.addRoutine(id+"."+strings.ToLower(r.suffix), r.routine, r.interval); err != nil {
			return fail(err)
		}
		bound++
	}
	for _, listenerName := range b.order {
		prefix := b.listeners[listenerName].prefix
		if prefix == "" {
			continue
		}
		for _, h := range handlers {
			suffix, ok := strings.CutPrefix(h.method, prefix)
			if !ok || suffix == "" {
				continue
			}
			if h.handler == nil {
				return fail(fmt.Errorf("%s has the wrong signature for a handler", h.method))
			}
			if err := b.addEvent(listenerName, id, suffix, h.handler, levels[h.method]); err != nil {
				return fail(err)
			}
			bound++
		}
	}

	b.log.WithField("plugin", id).WithField("bindings", bound).Debug("plugin registered")
	return nil
}

// hasID must be called with the bus lock held
func (b *Bus) hasID(id string) bool {
	for _, l := range b.listeners {
		for _, ev := range l.events {
			for _, h := range ev.handlers {
				if h.id == id {
					return true
				}
			}
		}
	}
	for _, r := range b.routines {
		if r.id == id || strings.HasPrefix(r.id, id+".") {
			return true
		}
	}
	return false
}
