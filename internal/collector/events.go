package collector

import (
	"github.com/ernie/urtwarden/internal/domain"
)

// Event is one parsed log line, in log order
type Event struct {
	Tag    string         // log tag, e.g. ClientConnect
	Clock  string         // game clock prefix, empty for synthesized lines
	Line   string         // line with the clock stripped
	Player *domain.Player // roster entry the line is about, nil if none
	Data   interface{}
}

// Name is the bus event name
func (e Event) Name() string {
	return domain.EventName(e.Tag)
}

// Event data structures

type ClientConnectData struct {
	ClientID int
}

type ClientDisconnectData struct {
	ClientID int
	GUID     string
	Name     string
}

type ClientUserinfoData struct {
	ClientID int
	Name     string
	GUID     string
	IP       string
	IsBot    bool
	Userinfo map[string]string
}

type ClientUserinfoChangedData struct {
	ClientID int
	Name     string
	Team     domain.Team
	OldTeam  domain.Team
	Color    [3]int
	Vars     map[string]string
}

type ClientBeginData struct {
	ClientID int
}

type InitGameData struct {
	MapName  string
	GameType int
	Settings map[string]string
}

type InitRoundData struct {
	Settings map[string]string
}

type ExitData struct {
	Reason string
}

type SurvivorWinnerData struct {
	Winner string      // raw payload, e.g. Red, Blue or Drawn
	Team   domain.Team // TeamFree when no team won
	Scores map[domain.Team]int
}

type ShutdownGameData struct{}

type KillData struct {
	KillerID int // 1022 is the world
	VictimID int
	WeaponID int
	Means    string // UT_MOD_* name
}

type HitData struct {
	VictimID   int
	AttackerID int
	Location   int
	WeaponID   int
}

type SayData struct {
	ClientID int
	Name     string
	Text     string
	TeamOnly bool
}

// CommandData is synthesized from a say line whose text starts with "!"
type CommandData struct {
	ClientID int
	Command  string // lowercased, without the "!"
	Args     []string
}
