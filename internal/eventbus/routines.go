package eventbus

import (
	"errors"
	"fmt"
	"time"
)

// DefaultRoutineInterval applies to plugin routines until changed
const DefaultRoutineInterval = time.Second

// Routine is invoked periodically for every enabled session
type Routine func(s Session, now time.Time) error

type routine struct {
	id       string
	fn       Routine
	interval time.Duration        // negative runs on every tick
	lastRun  map[string]time.Time // keyed by session name
}

// AddRoutine registers a routine. A negative interval runs it on every tick.
func (b *Bus) AddRoutine(id string, fn Routine, interval time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addRoutine(id, fn, interval)
}

func (b *Bus) addRoutine(id string, fn Routine, interval time.Duration) error {
	for _, r := range b.routines {
		if r.id == id {
			return fmt.Errorf("%w: routine %s", ErrDuplicateHandler, id)
		}
	}
	b.routines = append(b.routines, &routine{
		id:       id,
		fn:       fn,
		interval: interval,
		lastRun:  make(map[string]time.Time),
	})
	return nil
}

// ChangeRoutineInterval replaces a routine's interval
func (b *Bus) ChangeRoutineInterval(id string, interval time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.findRoutine(id)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRoutine, id)
	}
	r.interval = interval
	return nil
}

// DeleteRoutine removes a routine
func (b *Bus) DeleteRoutine(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.routines {
		if r.id == id {
			b.routines = append(b.routines[:i:i], b.routines[i+1:]...)
			return true
		}
	}
	return false
}

// Routines lists registered routine ids in registration order
func (b *Bus) Routines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, len(b.routines))
	for i, r := range b.routines {
		ids[i] = r.id
	}
	return ids
}

// RunDueRoutines runs, for session s, every routine whose interval has elapsed
// since it last ran for s. A routine that never ran for s is due.
func (b *Bus) RunDueRoutines(s Session, now time.Time) error {
	var due []*routine
	b.mu.Lock()
	for _, r := range b.routines {
		if r.markDue(s.Name(), now, false) {
			due = append(due, r)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, r := range due {
		if err := b.runRoutine(r, s, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunRoutine runs one routine for s if it is due, or unconditionally when
// force is set. It reports whether the routine ran.
func (b *Bus) RunRoutine(id string, s Session, now time.Time, force bool) (bool, error) {
	b.mu.Lock()
	r := b.findRoutine(id)
	if r == nil {
		b.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownRoutine, id)
	}
	due := r.markDue(s.Name(), now, force)
	b.mu.Unlock()

	if !due {
		return false, nil
	}
	return true, b.runRoutine(r, s, now)
}

func (b *Bus) runRoutine(r *routine, s Session, now time.Time) error {
	fn := r.fn
	return b.invoke(r.id, func() error { return fn(s, now) })
}

// markDue must be called with the bus lock held
func (r *routine) markDue(session string, now time.Time, force bool) bool {
	if !force && r.interval >= 0 {
		if last, ok := r.lastRun[session]; ok && now.Sub(last) < r.interval {
			return false
		}
	}
	r.lastRun[session] = now
	return true
}

func (b *Bus) findRoutine(id string) *routine {
	for _, r := range b.routines {
		if r.id == id {
			return r
		}
	}
	return nil
}
