package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ernie/urtwarden/internal/config"
	"github.com/ernie/urtwarden/internal/domain"
	"github.com/ernie/urtwarden/internal/eventbus"
	"github.com/ernie/urtwarden/internal/logsource"
	"github.com/ernie/urtwarden/internal/metrics"
	"github.com/ernie/urtwarden/internal/rcon"
	"github.com/ernie/urtwarden/internal/storage"
)

var (
	// ErrHeld is returned by rcon helpers while the session is held
	ErrHeld         = errors.New("session is held")
	ErrNotConnected = errors.New("session is not connected")
)

// DefaultHeldEvery is how many ticks a held session skips between resume attempts
const DefaultHeldEvery = 10

// PlayerStore persists players and runs
type PlayerStore interface {
	RecordPlayer(ctx context.Context, guid, name, cleanName string, seen time.Time) (*storage.PlayerRecord, error)
	StartRun(ctx context.Context, run *storage.Run) error
	EndRun(ctx context.Context, id string, endedAt time.Time, reason string) error
}

// SourceFactory opens a log source from its descriptor
type SourceFactory func(descriptor string, log logrus.FieldLogger) (logsource.Source, error)

// SessionOptions configures a Session. Zero values take the defaults.
type SessionOptions struct {
	Rcon      rcon.Options
	HeldEvery int
	Store     PlayerStore // optional
	NewSource SourceFactory
	Now       func() time.Time
	Logger    logrus.FieldLogger
}

// Session manages one game server: rcon transport, log source, parser and
// roster. Connect, Step and Disconnect must be called from a single goroutine.
type Session struct {
	name      string
	state     *domain.SessionState
	transport *rcon.Transport
	source    logsource.Source
	parser    *Parser
	bus       *eventbus.Bus
	opts      SessionOptions
	baseLog   logrus.FieldLogger
	log       logrus.FieldLogger

	run           string
	heldTicks     int
	sourceLost    bool // the source must be resumed before it is read again
	resyncPending bool // log lines were lost; rebuild the roster on resume

	mu        sync.RWMutex // guards lifecycle for readers outside the loop
	lifecycle domain.Lifecycle
}

// NewSession creates a disconnected session
func NewSession(srv config.Server, bus *eventbus.Bus, opts SessionOptions) *Session {
	if opts.HeldEvery <= 0 {
		opts.HeldEvery = DefaultHeldEvery
	}
	if opts.NewSource == nil {
		opts.NewSource = logsource.New
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rcon.Timeout <= 0 {
		opts.Rcon.Timeout = rcon.DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("session", srv.Name)
	opts.Rcon.Logger = log

	state := domain.NewSessionState(srv.Name, srv.Address, srv.RconPassword, srv.LogSource)
	return &Session{
		name:      srv.Name,
		state:     state,
		transport: rcon.New(srv.Address, srv.RconPassword, opts.Rcon),
		parser:    NewParser(state, log),
		bus:       bus,
		opts:      opts,
		baseLog:   log,
		log:       log,
	}
}

// Name returns the configured server name
func (s *Session) Name() string {
	return s.name
}

// State returns the session state. Only the session loop and the handlers it
// invokes may touch it.
func (s *Session) State() *domain.SessionState {
	return s.state
}

// Run returns the id of the current connect..disconnect span
func (s *Session) Run() string {
	return s.run
}

// Transport returns the rcon transport, for queries handlers need answered
func (s *Session) Transport() *rcon.Transport {
	return s.transport
}

// Lifecycle is safe to call from any goroutine
func (s *Session) Lifecycle() domain.Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle
}

func (s *Session) setLifecycle(l domain.Lifecycle) {
	s.mu.Lock()
	s.lifecycle = l
	s.mu.Unlock()
	s.state.Lifecycle = l
	metrics.SessionLifecycle.WithLabelValues(s.name).Set(float64(l))
}

// Rcon sends a command unless the session is held or not connected
func (s *Session) Rcon(cmd string, args ...string) error {
	if err := s.rconAllowed(); err != nil {
		return err
	}
	return s.transport.Rcon(cmd, args...)
}

// Say broadcasts a chat message
func (s *Session) Say(msg string) error {
	if err := s.rconAllowed(); err != nil {
		return err
	}
	return s.transport.Say(msg)
}

// Tell messages one client slot
func (s *Session) Tell(clientID int, msg string) error {
	if err := s.rconAllowed(); err != nil {
		return err
	}
	return s.transport.Tell(clientID, msg)
}

// BigText shows a centered message to everyone
func (s *Session) BigText(msg string) error {
	if err := s.rconAllowed(); err != nil {
		return err
	}
	return s.transport.BigText(msg)
}

// Kick removes a client slot
func (s *Session) Kick(clientID int, reason string) error {
	if err := s.rconAllowed(); err != nil {
		return err
	}
	return s.transport.Kick(clientID, reason)
}

func (s *Session) rconAllowed() error {
	switch s.Lifecycle() {
	case domain.Enabled, domain.Connecting:
		return nil
	case domain.Held:
		return fmt.Errorf("%s: %w", s.name, ErrHeld)
	default:
		return fmt.Errorf("%s: %w", s.name, ErrNotConnected)
	}
}

// Connect verifies rcon access, replays the players already on the server
// as synthesized events, then opens the log source. On failure the session
// stays disconnected.
func (s *Session) Connect(ctx context.Context) error {
	s.setLifecycle(domain.Connecting)

	if !s.transport.Test(s.opts.Rcon.Timeout) {
		s.setLifecycle(domain.Disconnected)
		return fmt.Errorf("connecting to %s: %w", s.name, s.transport.LastError())
	}

	var source logsource.Source
	if s.state.LogSource != "" {
		src, err := s.opts.NewSource(s.state.LogSource, s.baseLog)
		if err != nil {
			s.setLifecycle(domain.Disconnected)
			return fmt.Errorf("connecting to %s: %w", s.name, err)
		}
		source = src
	}

	s.run = uuid.NewString()
	s.log = s.baseLog.WithField("run", s.run)
	if s.opts.Store != nil {
		run := &storage.Run{ID: s.run, Server: s.name, Address: s.state.Address, StartedAt: s.opts.Now()}
		if err := s.opts.Store.StartRun(ctx, run); err != nil {
			s.log.WithError(err).Warn("recording run start")
		}
	}

	s.state.Roster = make(map[int]*domain.Player)
	s.state.ResetScores()
	s.parser.Reset()

	lines, _ := s.syncLines()
	for _, line := range lines {
		s.dispatch(ctx, s.parser.ParseLine(line))
	}

	s.source = source
	s.heldTicks = 0
	s.sourceLost = false
	if s.source != nil {
		if err := s.source.Open(ctx); err != nil {
			s.hold(err)
			return nil
		}
	}
	s.setLifecycle(domain.Enabled)
	s.log.WithField("players", len(s.state.Roster)).Info("session connected")
	return nil
}

// syncLines queries the server and renders its current players and settings
// as log lines, in the order the game would have logged them. The map holds
// the occupied slots.
func (s *Session) syncLines() ([]string, map[int]bool) {
	timeout := s.opts.Rcon.Timeout

	info := map[string]string{}
	if reply, err := s.transport.Query(string(rcon.CmdServerInfo), timeout); err != nil {
		s.log.WithError(err).Warn("serverinfo failed")
	} else {
		info = rcon.ParseServerInfo(string(reply))
	}

	var slots []rcon.StatusSlot
	var present map[int]bool // nil when status failed
	if reply, err := s.transport.Query(string(rcon.CmdStatus), timeout); err != nil {
		s.log.WithError(err).Warn("status failed")
	} else if status, err := rcon.ParseStatus(string(reply)); err != nil {
		s.log.WithError(err).Warn("unreadable status reply")
	} else {
		slots = status.Slots
		present = make(map[int]bool, len(slots))
	}

	red := s.teamList(rcon.CmdRedTeamList)
	blue := s.teamList(rcon.CmdBlueTeamList)
	gameType, _ := strconv.Atoi(info["g_gametype"])

	var lines []string
	for _, slot := range slots {
		present[slot.ID] = true
		reply, err := s.transport.Query(rcon.Build(rcon.CmdDumpUser, strconv.Itoa(slot.ID)), timeout)
		if err != nil {
			s.log.WithError(err).WithField("client", slot.ID).Warn("dumpuser failed, skipping player")
			continue
		}
		user, err := rcon.ParseDumpUser(string(reply))
		if err != nil {
			s.log.WithError(err).WithField("client", slot.ID).Warn("unreadable dumpuser reply, skipping player")
			continue
		}

		team := domain.TeamFree
		switch {
		case red[slot.ID]:
			team = domain.TeamRed
		case blue[slot.ID]:
			team = domain.TeamBlue
		case gameType >= 3:
			// team modes put everyone not on a team in spectator
			team = domain.TeamSpectator
		}
		name := user["name"]
		if name == "" {
			name = slot.Name
		}

		lines = append(lines,
			fmt.Sprintf("%s: %d", domain.TagClientConnect, slot.ID),
			fmt.Sprintf("%s: %d %s", domain.TagClientUserinfo, slot.ID, domain.InfoString(user, sortedKeys(user))),
			fmt.Sprintf("%s: %d n\\%s\\t\\%d", domain.TagClientUserinfoChanged, slot.ID, name, int(team)),
			fmt.Sprintf("%s: %d", domain.TagClientBegin, slot.ID),
		)
	}
	return append(lines, fmt.Sprintf("%s: %s", domain.TagInitGame, domain.InfoString(info, sortedKeys(info)))), present
}

func (s *Session) teamList(cmd rcon.Command) map[int]bool {
	reply, err := s.transport.Query(string(cmd), s.opts.Rcon.Timeout)
	if err != nil {
		s.log.WithError(err).WithField("cvar", string(cmd)).Debug("team list failed")
		return nil
	}
	ids := make(map[int]bool)
	for _, id := range rcon.ParseTeamList(string(reply)) {
		ids[id] = true
	}
	return ids
}

// Step reads new log bytes, dispatches the parsed events and runs due
// routines. A held session only polls its log and tries to resume, every
// HeldEvery calls.
func (s *Session) Step(ctx context.Context, now time.Time) error {
	switch s.Lifecycle() {
	case domain.Enabled:
	case domain.Held:
		s.heldTicks++
		if s.heldTicks%s.opts.HeldEvery == 0 {
			s.heldStep(ctx)
		}
		return nil
	default:
		return nil
	}

	if err := s.poll(ctx); err != nil {
		s.hold(err)
		return nil
	}

	err := s.bus.RunDueRoutines(s, now)
	metrics.RosterSize.WithLabelValues(s.name).Set(float64(len(s.state.Roster)))
	return err
}

// poll reads and dispatches whatever the log source has
func (s *Session) poll(ctx context.Context) error {
	if s.source == nil {
		return nil
	}
	data, err := s.source.ReadNew(ctx)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		metrics.LogBytes.WithLabelValues(s.name).Add(float64(len(data)))
		s.dispatch(ctx, s.parser.Feed(data))
	}
	return nil
}

// Disconnect dispatches a disconnect for every remaining player and a
// shutdown, then releases the transport and the log source
func (s *Session) Disconnect(ctx context.Context) error {
	switch s.Lifecycle() {
	case domain.Disconnected, domain.Disabled:
		return nil
	}

	for _, id := range s.state.PlayerIDs() {
		s.dispatch(ctx, s.parser.ParseLine(fmt.Sprintf("%s: %d", domain.TagClientDisconnect, id)))
	}
	s.dispatch(ctx, s.parser.ParseLine(domain.TagShutdownGame+":"))

	var errs []error
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing log source: %w", err))
		}
		s.source = nil
	}
	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing rcon: %w", err))
	}
	if s.opts.Store != nil && s.run != "" {
		if err := s.opts.Store.EndRun(ctx, s.run, s.opts.Now(), "disconnect"); err != nil {
			s.log.WithError(err).Warn("recording run end")
		}
	}

	s.setLifecycle(domain.Disconnected)
	s.log.Info("session disconnected")
	return errors.Join(errs...)
}

// Disable disconnects and keeps the session from being stepped again
func (s *Session) Disable(ctx context.Context) error {
	err := s.Disconnect(ctx)
	s.setLifecycle(domain.Disabled)
	return err
}

func (s *Session) hold(err error) {
	s.log.WithError(err).Warn("log source lost, holding session")
	s.heldTicks = 0
	s.sourceLost = true
	s.setLifecycle(domain.Held)
}

// heldStep resumes the log source where it stopped and keeps reading it.
// The session is promoted once the log reads and rcon answers. When lines
// were lost the roster is rebuilt from the server.
func (s *Session) heldStep(ctx context.Context) {
	if s.source != nil {
		if s.sourceLost {
			err := s.source.Resume(ctx)
			switch {
			case errors.Is(err, logsource.ErrGap):
				s.log.WithError(err).Warn("log lines lost while held")
				s.parser.Reset()
				s.resyncPending = true
			case err != nil:
				s.log.WithError(err).Debug("log source still unavailable")
				return
			}
			s.sourceLost = false
		}
		if err := s.poll(ctx); err != nil {
			s.log.WithError(err).Debug("log source lost again")
			s.sourceLost = true
			return
		}
	}

	if !s.transport.Test(s.opts.Rcon.Timeout) {
		return
	}
	if s.resyncPending {
		s.resync(ctx)
	}
	s.heldTicks = 0
	s.setLifecycle(domain.Enabled)
	s.log.Info("session resumed")
}

// resync replays the server's current players after log lines were lost.
// Players no longer on the server get a synthesized disconnect.
func (s *Session) resync(ctx context.Context) {
	s.resyncPending = false
	lines, present := s.syncLines()
	for _, id := range s.state.PlayerIDs() {
		if present != nil && !present[id] {
			s.dispatch(ctx, s.parser.ParseLine(fmt.Sprintf("%s: %d", domain.TagClientDisconnect, id)))
		}
	}
	for _, line := range lines {
		s.dispatch(ctx, s.parser.ParseLine(line))
	}
	s.log.WithField("players", len(s.state.Roster)).Info("roster resynced")
}

// dispatch hands events to the bus in order. Commands go to the command
// listener at the acting player's level; everything else is a server event.
func (s *Session) dispatch(ctx context.Context, events []Event) {
	for _, ev := range events {
		if ev.Tag == domain.TagClientUserinfo {
			s.resolveLevel(ctx, ev.Player)
		}

		var err error
		if cmd, ok := ev.Data.(CommandData); ok {
			_, err = s.bus.DispatchCommand(s, ev.Player, cmd.Command, cmd.Args)
		} else {
			_, err = s.bus.Dispatch(eventbus.Call{
				Session:  s,
				Listener: eventbus.ListenerServerEvent,
				Event:    ev.Name(),
				Player:   ev.Player,
				Data:     ev.Data,
			})
		}
		if err != nil {
			s.log.WithError(err).WithField("event", ev.Name()).Debug("event handlers failed")
		}
	}
}

// resolveLevel records the player and loads the access level stored for its GUID
func (s *Session) resolveLevel(ctx context.Context, pl *domain.Player) {
	if pl == nil {
		return
	}
	pl.Level = 0
	if s.opts.Store == nil || pl.GUID == "" || pl.IsBot {
		return
	}
	rec, err := s.opts.Store.RecordPlayer(ctx, pl.GUID, pl.Name, pl.CleanName, s.opts.Now())
	if err != nil {
		s.log.WithError(err).WithField("guid", pl.GUID).Warn("recording player")
		return
	}
	pl.Level = rec.Level
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
