package collector

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/urtwarden/internal/domain"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestParser() (*Parser, *domain.SessionState) {
	state := domain.NewSessionState("test", "127.0.0.1:27960", "pw", "")
	return NewParser(state, quietLogger()), state
}

func tags(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Tag
	}
	return out
}

func TestParserConnectThenUserinfo(t *testing.T) {
	p, state := newTestParser()

	events := p.Feed([]byte("  0:00 ClientConnect: 3\n  0:00 ClientUserinfo: 3 \\name\\Bob\\cl_guid\\ABC123\\ip\\1.2.3.4:27960\n"))
	require.Equal(t, []string{"ClientConnect", "ClientUserinfo"}, tags(events))

	assert.Equal(t, ClientConnectData{ClientID: 3}, events[0].Data)
	info := events[1].Data.(ClientUserinfoData)
	assert.Equal(t, 3, info.ClientID)
	assert.Equal(t, "Bob", info.Name)
	assert.Equal(t, "ABC123", info.GUID)
	assert.Equal(t, "0:00", events[1].Clock)

	pl, ok := state.Player(3)
	require.True(t, ok)
	assert.Equal(t, "Bob", pl.Name)
	assert.Equal(t, "1.2.3.4", pl.IP)
	assert.Equal(t, 27960, pl.Port)
	assert.Same(t, pl, events[1].Player)
}

func TestParserSayCommand(t *testing.T) {
	p, state := newTestParser()
	p.Feed([]byte("  0:00 ClientUserinfo: 3 \\name\\Bob\n"))

	events := p.Feed([]byte("  0:01 say: 3 Bob: !kick 5\n"))
	require.Equal(t, []string{"say", "Command"}, tags(events))

	assert.Equal(t, SayData{ClientID: 3, Name: "Bob", Text: "!kick 5"}, events[0].Data)
	assert.Equal(t, CommandData{ClientID: 3, Command: "kick", Args: []string{"5"}}, events[1].Data)
	assert.Equal(t, "command", events[1].Name())

	pl, _ := state.Player(3)
	assert.Same(t, pl, events[1].Player)
}

func TestParserSayWithColonInName(t *testing.T) {
	p, _ := newTestParser()
	p.ParseLine("ClientUserinfo: 2 \\name\\a:b")

	events := p.ParseLine("  1:00 say: 2 a:b: hello: world")
	require.Len(t, events, 1)
	assert.Equal(t, SayData{ClientID: 2, Name: "a:b", Text: "hello: world"}, events[0].Data)
}

func TestParserSayTeamHasNoCommands(t *testing.T) {
	p, _ := newTestParser()
	events := p.ParseLine("  0:05 sayteam: 1 Alice: !help")
	require.Len(t, events, 1)
	assert.Equal(t, "sayteam", events[0].Name())
	assert.True(t, events[0].Data.(SayData).TeamOnly)
}

func TestParserBuffersPartialLines(t *testing.T) {
	p, state := newTestParser()

	assert.Empty(t, p.Feed([]byte("  0:00 ClientCon")))
	assert.Equal(t, len("  0:00 ClientCon"), p.Pending())
	assert.Empty(t, p.Feed([]byte("nect: 7")))

	events := p.Feed([]byte("\r\n  0:01 ClientBegin: 7\n  0:02 Exit"))
	require.Equal(t, []string{"ClientConnect", "ClientBegin"}, tags(events))
	assert.True(t, state.Roster[7].Begin)
	assert.Equal(t, len("  0:02 Exit"), p.Pending())
}

func TestParserDuplicateLinesAreIdempotent(t *testing.T) {
	p, state := newTestParser()
	line := "  0:00 ClientUserinfo: 3 \\name\\Bob\\cl_guid\\ABC123\n"

	p.Feed([]byte(line + line))
	require.Len(t, state.Roster, 1)
	assert.Equal(t, "Bob", state.Roster[3].Name)
	assert.Empty(t, state.Roster[3].Aliases)

	// last write wins on fields
	p.Feed([]byte("  0:01 ClientUserinfo: 3 \\name\\Robert\\cl_guid\\ABC123\n"))
	require.Len(t, state.Roster, 1)
	assert.Equal(t, "Robert", state.Roster[3].Name)
	assert.Equal(t, []string{"Bob"}, state.Roster[3].Aliases)

	connect := "  0:02 ClientConnect: 3\n"
	p.Feed([]byte(connect + connect))
	assert.Len(t, state.Roster, 1)
	assert.Equal(t, "Robert", state.Roster[3].Name)
}

func TestParserSurvivorWinner(t *testing.T) {
	p, state := newTestParser()

	p.Feed([]byte("  1:00 SurvivorWinner: Red\n"))
	// re-delivered line is not counted twice
	p.Feed([]byte("  1:00 SurvivorWinner: Red\n"))
	events := p.Feed([]byte("  2:00 SurvivorWinner: Blue\n  3:00 SurvivorWinner: Drawn\n"))

	assert.Equal(t, map[domain.Team]int{domain.TeamRed: 1, domain.TeamBlue: 1}, state.Scores)
	require.Len(t, events, 2)
	assert.Equal(t, domain.TeamBlue, events[0].Data.(SurvivorWinnerData).Team)
	assert.Equal(t, "Drawn", events[1].Data.(SurvivorWinnerData).Winner)

	p.Feed([]byte("  4:00 SurvivorWinner: Red\n"))
	assert.Equal(t, 2, state.Scores[domain.TeamRed])
}

func TestParserInitGameResetsScores(t *testing.T) {
	p, state := newTestParser()
	state.Scores[domain.TeamRed] = 4
	state.ServerInfo["sv_hostname"] = "kept"

	events := p.Feed([]byte("  0:00 InitGame: \\sv_maxclients\\16\\g_gametype\\4\\mapname\\ut4_abbey\n"))
	require.Len(t, events, 1)
	data := events[0].Data.(InitGameData)
	assert.Equal(t, "ut4_abbey", data.MapName)
	assert.Equal(t, 4, data.GameType)

	assert.Equal(t, map[domain.Team]int{domain.TeamRed: 0, domain.TeamBlue: 0}, state.Scores)
	assert.Equal(t, "kept", state.ServerInfo["sv_hostname"])
	assert.Equal(t, "ut4_abbey", state.ServerInfo["mapname"])

	p.Feed([]byte("  0:30 InitRound: \\g_swaproles\\1\n"))
	assert.Equal(t, "1", state.ServerInfo["g_swaproles"])
}

func TestParserUserinfoChanged(t *testing.T) {
	p, state := newTestParser()
	p.ParseLine("  0:00 ClientUserinfo: 4 \\name\\Zed")

	events := p.ParseLine("  0:00 ClientUserinfoChanged: 4 n\\Zed\\t\\2\\r\\1\\a0\\255\\a1\\0\\a2\\128")
	require.Len(t, events, 1)
	data := events[0].Data.(ClientUserinfoChangedData)
	assert.Equal(t, domain.TeamBlue, data.Team)
	assert.Equal(t, domain.TeamFree, data.OldTeam)
	assert.Equal(t, [3]int{255, 0, 128}, state.Roster[4].Color)
	assert.Equal(t, domain.TeamBlue, state.Roster[4].Team)
}

func TestParserDisconnectRemovesPlayer(t *testing.T) {
	p, state := newTestParser()
	p.ParseLine("ClientUserinfo: 1 \\name\\Bob\\cl_guid\\G1")

	events := p.ParseLine("  3:10 ClientDisconnect: 1")
	require.Len(t, events, 1)
	assert.Equal(t, ClientDisconnectData{ClientID: 1, GUID: "G1", Name: "Bob"}, events[0].Data)
	assert.NotNil(t, events[0].Player)
	assert.Empty(t, state.Roster)

	// unknown slot still yields the event
	events = p.ParseLine("  3:11 ClientDisconnect: 1")
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Player)
}

func TestParserKillAndHit(t *testing.T) {
	p, _ := newTestParser()
	p.ParseLine("ClientConnect: 0")

	events := p.ParseLine("  2:00 Kill: 0 1 16: Bob killed Alice by UT_MOD_DEAGLE")
	require.Len(t, events, 1)
	assert.Equal(t, KillData{KillerID: 0, VictimID: 1, WeaponID: 16, Means: "UT_MOD_DEAGLE"}, events[0].Data)
	assert.NotNil(t, events[0].Player)

	events = p.ParseLine("  2:01 Hit: 1 0 2 5: Bob hit Alice in the Torso")
	require.Len(t, events, 1)
	assert.Equal(t, HitData{VictimID: 1, AttackerID: 0, Location: 2, WeaponID: 5}, events[0].Data)
}

func TestParserSkipsUnknownAndMalformed(t *testing.T) {
	p, state := newTestParser()
	input := strings.Join([]string{
		"------------------------------------------------------------",
		"  0:00 Item: 0 ut_weapon_ak103",
		"  0:00 ClientConnect: notanumber",
		"  0:00 Kill: garbage",
		"",
		"  0:01 ClientConnect: 2",
		"  0:01 ShutdownGame:",
	}, "\n") + "\n"

	events := p.Feed([]byte(input))
	assert.Equal(t, []string{"ClientConnect", "ShutdownGame"}, tags(events))
	assert.Len(t, state.Roster, 1)
}

func TestParserSlotReuseForgetsPreviousOccupant(t *testing.T) {
	tests := []struct {
		name     string
		userinfo string
		wantGUID string
	}{
		{"different guid", "  5:00 ClientUserinfo: 3 \\name\\Eve\\cl_guid\\EVEGUID", "EVEGUID"},
		{"no guid", "  5:00 ClientUserinfo: 3 \\name\\Eve", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, state := newTestParser()
			p.ParseLine("  0:00 ClientConnect: 3")
			p.ParseLine("  0:00 ClientUserinfo: 3 \\name\\Admin\\cl_guid\\ADMINGUID")
			p.ParseLine("  0:00 ClientUserinfoChanged: 3 n\\Admin\\t\\1")
			p.ParseLine("  0:00 ClientBegin: 3")
			state.Roster[3].Level = 80

			// no disconnect was logged before the slot was taken again
			p.ParseLine("  5:00 ClientConnect: 3")
			events := p.ParseLine(tt.userinfo)
			require.Len(t, events, 1)

			pl := state.Roster[3]
			assert.Equal(t, "Eve", pl.Name)
			assert.Equal(t, tt.wantGUID, pl.GUID)
			assert.Equal(t, 0, pl.Level)
			assert.Empty(t, pl.Aliases)
			assert.False(t, pl.Begin)
			assert.Equal(t, domain.TeamFree, pl.Team)
			assert.Equal(t, tt.wantGUID, events[0].Data.(ClientUserinfoData).GUID)
		})
	}
}

func TestParserSameGUIDKeepsIdentity(t *testing.T) {
	p, state := newTestParser()
	p.ParseLine("  0:00 ClientUserinfo: 3 \\name\\Admin\\cl_guid\\ADMINGUID")
	p.ParseLine("  0:00 ClientBegin: 3")
	state.Roster[3].Level = 80

	p.ParseLine("  1:00 ClientUserinfo: 3 \\name\\Boss\\cl_guid\\ADMINGUID")
	pl := state.Roster[3]
	assert.Equal(t, 80, pl.Level)
	assert.True(t, pl.Begin)
	assert.Equal(t, []string{"Admin"}, pl.Aliases)
}
