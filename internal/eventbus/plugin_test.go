package eventbus

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/urtwarden/internal/domain"
)

type greeter struct {
	joined []string
	ticks  int
}

func (g *greeter) Name() string { return "greeter" }

func (g *greeter) Levels() map[string]int {
	return map[string]int{"CommandMute": 60}
}

func (g *greeter) Intervals() map[string]time.Duration {
	return map[string]time.Duration{"RoutineAdvert": time.Minute}
}

func (g *greeter) SrvEventClientBegin(c *Call) error {
	g.joined = append(g.joined, c.Player.Name)
	return nil
}

func (g *greeter) CommandHelp(c *Call) error               { return nil }
func (g *greeter) CommandMute(c *Call) error               { return nil }
func (g *greeter) RoutineAdvert(Session, time.Time) error  { g.ticks++; return nil }
func (g *greeter) RoutineCleanup(Session, time.Time) error { return nil }

// not a binding: no prefix
func (g *greeter) Helper() {}

type badPlugin struct{}

func (badPlugin) Name() string          { return "bad" }
func (badPlugin) CommandOk(*Call) error { return nil }
func (badPlugin) CommandWrong(int)      {}

func TestRegisterBindsByPrefix(t *testing.T) {
	bus := newTestBus()
	g := &greeter{}
	require.NoError(t, bus.Register(g))

	events := bus.Events(ListenerCommand)
	sort.Strings(events)
	assert.Equal(t, []string{"help", "mute"}, events)
	assert.Equal(t, []string{"clientbegin"}, bus.Events(ListenerServerEvent))

	level, _ := bus.EventLevel(ListenerCommand, "mute")
	assert.Equal(t, 60, level)
	level, _ = bus.EventLevel(ListenerCommand, "help")
	assert.Equal(t, 0, level)

	assert.Equal(t, []string{"greeter.advert", "greeter.cleanup"}, bus.Routines())
}

func TestRegisterDispatchesToMethods(t *testing.T) {
	bus := newTestBus()
	g := &greeter{}
	require.NoError(t, bus.Register(g))
	sess := newFakeSession("srv")

	player := domain.NewPlayer(3)
	player.Name = "Alice"
	outcome, err := bus.Dispatch(Call{Session: sess, Listener: ListenerServerEvent, Event: "ClientBegin", Player: player})
	require.NoError(t, err)
	assert.Equal(t, OK, outcome)
	assert.Equal(t, []string{"Alice"}, g.joined)

	now := time.Now()
	require.NoError(t, bus.RunDueRoutines(sess, now))
	require.NoError(t, bus.RunDueRoutines(sess, now.Add(2*time.Second)))
	assert.Equal(t, 1, g.ticks)
	require.NoError(t, bus.RunDueRoutines(sess, now.Add(time.Minute)))
	assert.Equal(t, 2, g.ticks)
}

func TestRegisterRejectsBadSignatureAtomically(t *testing.T) {
	bus := newTestBus()
	err := bus.Register(badPlugin{})
	require.Error(t, err)
	assert.Empty(t, bus.Events(ListenerCommand))
}

func TestRegisterTwiceFails(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.Register(&greeter{}))
	assert.ErrorIs(t, bus.Register(&greeter{}), ErrDuplicateHandler)
	assert.Len(t, bus.Routines(), 2)
}

func TestUnregisterRemovesEverything(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.Register(&greeter{}))
	bus.Unregister("greeter")

	assert.Empty(t, bus.Events(ListenerCommand))
	assert.Empty(t, bus.Events(ListenerServerEvent))
	assert.Empty(t, bus.Routines())
	// levels survive removal
	level, ok := bus.EventLevel(ListenerCommand, "mute")
	assert.True(t, ok)
	assert.Equal(t, 60, level)
}

type moderator struct{}

func (moderator) Name() string                  { return "moderator" }
func (moderator) CommandAdminBan(*Call) error   { return nil }
func (moderator) CommandAdminTempban(int) error { return nil }

type banner struct{}

func (banner) Name() string                { return "banner" }
func (banner) CommandAdminBan(*Call) error { return nil }

func TestRegisterOverlappingPrefixes(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.AddListener("admin", "CommandAdmin"))
	require.NoError(t, bus.Register(banner{}))

	assert.Equal(t, []string{"adminban"}, bus.Events(ListenerCommand))
	assert.Equal(t, []string{"ban"}, bus.Events("admin"))

	// a bad signature under either listener rolls back both
	require.Error(t, bus.Register(moderator{}))
	bus.Unregister("banner")
	assert.Empty(t, bus.Events(ListenerCommand))
	assert.Empty(t, bus.Events("admin"))
}

func TestRegisterConcurrentSameName(t *testing.T) {
	bus := newTestBus()

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- bus.Register(&greeter{})
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateHandler)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, bus.Routines(), 2)
}
