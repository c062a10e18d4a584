package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ernie/urtwarden/internal/config"
	"github.com/ernie/urtwarden/internal/eventbus"
	"github.com/ernie/urtwarden/internal/rcon"
)

// RunCloser is the part of the store the manager needs at startup
type RunCloser interface {
	EndOpenRuns(ctx context.Context, server string, endedAt time.Time) (int64, error)
}

// ServerManager runs one session loop per configured server
type ServerManager struct {
	cfg *config.Config
	bus *eventbus.Bus
	log logrus.FieldLogger

	runs RunCloser // optional

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // track goroutine completion for graceful shutdown
}

// NewServerManager creates a session for every configured server. store may
// be nil; when set it must also satisfy RunCloser to clean up stale runs.
func NewServerManager(cfg *config.Config, bus *eventbus.Bus, store PlayerStore, log logrus.FieldLogger) *ServerManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &ServerManager{
		cfg:      cfg,
		bus:      bus,
		log:      log.WithField("component", "manager"),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	if rc, ok := store.(RunCloser); ok {
		m.runs = rc
	}

	validity := rcon.NewValidityCache()
	for _, srv := range cfg.Servers {
		m.sessions[srv.Name] = NewSession(srv, bus, SessionOptions{
			Rcon: rcon.Options{
				Interval:        cfg.Rcon.Interval,
				WaitingInterval: cfg.Rcon.WaitingInterval,
				Timeout:         cfg.Rcon.Timeout,
				Validity:        validity,
			},
			HeldEvery: cfg.Scheduler.HeldEvery,
			Store:     store,
			Logger:    log,
		})
		m.order = append(m.order, srv.Name)
	}
	return m
}

// Start closes runs left open by a previous process and launches every
// session loop. A session whose connect fails is disabled; the others go on.
func (m *ServerManager) Start(ctx context.Context) error {
	if m.runs != nil {
		for _, name := range m.order {
			n, err := m.runs.EndOpenRuns(ctx, name, time.Now())
			if err != nil {
				return fmt.Errorf("closing stale runs for %s: %w", name, err)
			}
			if n > 0 {
				m.log.WithField("session", name).WithField("runs", n).Info("closed stale runs")
			}
		}
	}

	for _, sess := range m.Sessions() {
		m.wg.Add(1)
		go m.runSession(ctx, sess)
	}
	m.log.WithField("sessions", len(m.order)).Info("manager started")
	return nil
}

// Stop ends every session loop and waits for their disconnects
func (m *ServerManager) Stop() {
	m.log.Info("stopping...")
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	m.log.Info("shutdown complete")
}

// Session returns a session by server name
func (m *ServerManager) Session(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[name]
	return sess, ok
}

// Sessions returns all sessions in configuration order
func (m *ServerManager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*Session, 0, len(m.order))
	for _, name := range m.order {
		sessions = append(sessions, m.sessions[name])
	}
	return sessions
}

// runSession connects and then steps one session on every tick until stopped.
// Everything touching the session's state happens on this goroutine.
func (m *ServerManager) runSession(ctx context.Context, sess *Session) {
	defer m.wg.Done()
	log := m.log.WithField("session", sess.Name())

	if err := sess.Connect(ctx); err != nil {
		log.WithError(err).Error("connect failed, disabling session")
		sess.Disable(ctx)
		return
	}

	ticker := time.NewTicker(m.cfg.Scheduler.Tick)
	defer ticker.Stop()

	// Disconnect must still reach handlers and storage after cancellation
	shutdown := func() {
		if err := sess.Disconnect(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("disconnect")
		}
	}

	for {
		select {
		case <-m.done:
			shutdown()
			return
		case <-ctx.Done():
			shutdown()
			return
		case now := <-ticker.C:
			if err := sess.Step(ctx, now); err != nil {
				log.WithError(err).Warn("step")
			}
		}
	}
}
