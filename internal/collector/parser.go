package collector

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ernie/urtwarden/internal/domain"
)

// maxPartial bounds the carried-over partial line
const maxPartial = 64 << 10

// Regular expressions for parsing log lines
var (
	// Game clock at the start of a line: "  0:00 " or "123:45 "
	clockRegex = regexp.MustCompile(`^\s*(\d+:\d{2})\s+`)

	// Payload patterns (after "Tag:" is stripped)
	clientIDRegex   = regexp.MustCompile(`^(\d+)$`)
	clientInfoRegex = regexp.MustCompile(`^(\d+)\s*(.*)$`)
	killRegex       = regexp.MustCompile(`^(\d+) (\d+) (\d+):\s*(.*)$`)
	hitRegex        = regexp.MustCompile(`^(\d+) (\d+) (\d+) (\d+):`)
	sayRegex        = regexp.MustCompile(`^(\d+) (.+)$`)
)

// survivorTeams maps SurvivorWinner payloads to teams
var survivorTeams = map[string]domain.Team{
	"red":  domain.TeamRed,
	"blue": domain.TeamBlue,
}

// Parser turns log bytes into events and keeps the session state current.
// It is not safe for concurrent use; the owning session loop drives it.
type Parser struct {
	state    *domain.SessionState
	pending  []byte
	lastLine string
	log      logrus.FieldLogger
}

// NewParser creates a parser that mutates state
func NewParser(state *domain.SessionState, log logrus.FieldLogger) *Parser {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Parser{state: state, log: log}
}

// Feed consumes a chunk of log bytes. Complete lines are parsed in order;
// a trailing partial line is kept for the next call.
func (p *Parser) Feed(data []byte) []Event {
	p.pending = append(p.pending, data...)

	var events []Event
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(p.pending[:i]), "\r")
		p.pending = p.pending[i+1:]
		events = append(events, p.ParseLine(line)...)
	}

	if len(p.pending) == 0 {
		p.pending = nil
	} else if len(p.pending) > maxPartial {
		p.log.WithField("bytes", len(p.pending)).Warn("dropping oversized partial line")
		p.pending = nil
	}
	return events
}

// Pending returns the number of buffered bytes without a newline yet
func (p *Parser) Pending() int {
	return len(p.pending)
}

// Reset drops any buffered partial line
func (p *Parser) Reset() {
	p.pending = nil
	p.lastLine = ""
}

// ParseLine parses one complete line, with or without the game clock.
// A say line starting with "!" yields the say event and a command event.
func (p *Parser) ParseLine(raw string) []Event {
	clock := ""
	line := strings.TrimSpace(raw)
	if match := clockRegex.FindStringSubmatch(raw); match != nil {
		clock = match[1]
		line = strings.TrimSpace(raw[len(match[0]):])
	}
	if line == "" {
		return nil
	}

	duplicate := clock != "" && clock+" "+line == p.lastLine
	if clock != "" {
		p.lastLine = clock + " " + line
	}

	tag, rest, ok := strings.Cut(line, ":")
	if !ok || tag == "" || strings.ContainsAny(tag, " \t") {
		p.log.WithField("line", line).Trace("skipping untagged line")
		return nil
	}
	rest = strings.TrimSpace(rest)
	ev := Event{Tag: tag, Clock: clock, Line: line}

	var events []Event
	switch tag {
	case domain.TagClientConnect:
		events = p.clientConnect(ev, rest)
	case domain.TagClientDisconnect:
		events = p.clientDisconnect(ev, rest)
	case domain.TagClientUserinfo:
		events = p.clientUserinfo(ev, rest)
	case domain.TagClientUserinfoChanged:
		events = p.clientUserinfoChanged(ev, rest)
	case domain.TagClientBegin:
		events = p.clientBegin(ev, rest)
	case domain.TagInitGame:
		events = p.initGame(ev, rest)
	case domain.TagInitRound:
		vars := domain.ParseInfoString(rest)
		p.state.MergeServerInfo(vars)
		ev.Data = InitRoundData{Settings: vars}
		events = []Event{ev}
	case domain.TagExit:
		ev.Data = ExitData{Reason: rest}
		events = []Event{ev}
	case domain.TagSurvivorWinner:
		if duplicate {
			// A re-delivered round result must not be counted twice
			p.log.WithField("line", line).Debug("skipping duplicate round result")
			return nil
		}
		events = p.survivorWinner(ev, rest)
	case domain.TagShutdownGame:
		ev.Data = ShutdownGameData{}
		events = []Event{ev}
	case domain.TagKill:
		events = p.kill(ev, rest)
	case domain.TagHit:
		events = p.hit(ev, rest)
	case domain.TagSay, domain.TagSayTeam:
		events = p.say(ev, rest, tag == domain.TagSayTeam)
	default:
		p.log.WithField("tag", tag).Trace("ignoring unknown tag")
		return nil
	}

	if events == nil {
		p.log.WithField("line", line).Debug("malformed log line")
	}
	return events
}

// player returns the roster entry for id, creating it when the log
// mentions a slot it never saw connect
func (p *Parser) player(id int) *domain.Player {
	pl, ok := p.state.Roster[id]
	if !ok {
		pl = domain.NewPlayer(id)
		p.state.Roster[id] = pl
	}
	return pl
}

func parseClientID(rest string) (int, bool) {
	match := clientIDRegex.FindStringSubmatch(rest)
	if match == nil {
		return 0, false
	}
	id, err := strconv.Atoi(match[1])
	return id, err == nil
}

func (p *Parser) clientConnect(ev Event, rest string) []Event {
	id, ok := parseClientID(rest)
	if !ok {
		return nil
	}
	ev.Player = p.player(id)
	ev.Data = ClientConnectData{ClientID: id}
	return []Event{ev}
}

func (p *Parser) clientDisconnect(ev Event, rest string) []Event {
	id, ok := parseClientID(rest)
	if !ok {
		return nil
	}
	data := ClientDisconnectData{ClientID: id}
	if pl, ok := p.state.Roster[id]; ok {
		delete(p.state.Roster, id)
		ev.Player = pl
		data.GUID = pl.GUID
		data.Name = pl.Name
	}
	ev.Data = data
	return []Event{ev}
}

func (p *Parser) clientUserinfo(ev Event, rest string) []Event {
	match := clientInfoRegex.FindStringSubmatch(rest)
	if match == nil {
		return nil
	}
	id, _ := strconv.Atoi(match[1])
	vars := domain.ParseInfoString(match[2])

	pl := p.player(id)
	// a different or missing GUID means the slot changed hands without a
	// logged disconnect
	guid := vars["cl_guid"]
	if guid == "" || guid != pl.GUID {
		if pl.GUID != "" || pl.Name != "" {
			p.log.WithField("client", id).WithField("old_guid", pl.GUID).Debug("client slot reused")
		}
		pl.Reset()
	}
	pl.GUID = guid
	pl.Userinfo = vars
	pl.SetName(vars["name"])
	pl.SetAddress(vars["ip"])

	// Bot detection: presence of "skill" field
	_, hasSkill := vars["skill"]
	pl.IsBot = hasSkill || vars["ip"] == "bot"

	ev.Player = pl
	ev.Data = ClientUserinfoData{
		ClientID: id,
		Name:     pl.Name,
		GUID:     pl.GUID,
		IP:       pl.IP,
		IsBot:    pl.IsBot,
		Userinfo: vars,
	}
	return []Event{ev}
}

func (p *Parser) clientUserinfoChanged(ev Event, rest string) []Event {
	match := clientInfoRegex.FindStringSubmatch(rest)
	if match == nil {
		return nil
	}
	id, _ := strconv.Atoi(match[1])
	vars := domain.ParseInfoString(match[2])

	pl := p.player(id)
	oldTeam := pl.Team
	pl.SetName(vars["n"])
	if team, ok := domain.ParseTeam(vars["t"]); ok {
		pl.Team = team
	}
	for i, key := range []string{"a0", "a1", "a2"} {
		if v, err := strconv.Atoi(vars[key]); err == nil {
			pl.Color[i] = v
		}
	}

	ev.Player = pl
	ev.Data = ClientUserinfoChangedData{
		ClientID: id,
		Name:     pl.Name,
		Team:     pl.Team,
		OldTeam:  oldTeam,
		Color:    pl.Color,
		Vars:     vars,
	}
	return []Event{ev}
}

func (p *Parser) clientBegin(ev Event, rest string) []Event {
	id, ok := parseClientID(rest)
	if !ok {
		return nil
	}
	pl := p.player(id)
	pl.Begin = true
	ev.Player = pl
	ev.Data = ClientBeginData{ClientID: id}
	return []Event{ev}
}

func (p *Parser) initGame(ev Event, rest string) []Event {
	settings := domain.ParseInfoString(rest)
	gameType, _ := strconv.Atoi(settings["g_gametype"])

	p.state.ResetScores()
	p.state.MergeServerInfo(settings)

	ev.Data = InitGameData{
		MapName:  settings["mapname"],
		GameType: gameType,
		Settings: settings,
	}
	return []Event{ev}
}

func (p *Parser) survivorWinner(ev Event, rest string) []Event {
	if rest == "" {
		return nil
	}
	team, ok := survivorTeams[strings.ToLower(rest)]
	if ok {
		p.state.Scores[team]++
	}
	scores := make(map[domain.Team]int, len(p.state.Scores))
	for t, s := range p.state.Scores {
		scores[t] = s
	}
	ev.Data = SurvivorWinnerData{Winner: rest, Team: team, Scores: scores}
	return []Event{ev}
}

func (p *Parser) kill(ev Event, rest string) []Event {
	match := killRegex.FindStringSubmatch(rest)
	if match == nil {
		return nil
	}
	killer, _ := strconv.Atoi(match[1])
	victim, _ := strconv.Atoi(match[2])
	weapon, _ := strconv.Atoi(match[3])

	data := KillData{KillerID: killer, VictimID: victim, WeaponID: weapon}
	if i := strings.LastIndex(match[4], " by "); i >= 0 {
		data.Means = match[4][i+len(" by "):]
	}
	if pl, ok := p.state.Roster[killer]; ok {
		ev.Player = pl
	}
	ev.Data = data
	return []Event{ev}
}

func (p *Parser) hit(ev Event, rest string) []Event {
	match := hitRegex.FindStringSubmatch(rest)
	if match == nil {
		return nil
	}
	victim, _ := strconv.Atoi(match[1])
	attacker, _ := strconv.Atoi(match[2])
	location, _ := strconv.Atoi(match[3])
	weapon, _ := strconv.Atoi(match[4])

	if pl, ok := p.state.Roster[attacker]; ok {
		ev.Player = pl
	}
	ev.Data = HitData{VictimID: victim, AttackerID: attacker, Location: location, WeaponID: weapon}
	return []Event{ev}
}

func (p *Parser) say(ev Event, rest string, teamOnly bool) []Event {
	match := sayRegex.FindStringSubmatch(rest)
	if match == nil {
		return nil
	}
	id, _ := strconv.Atoi(match[1])
	pl, known := p.state.Roster[id]

	// Names may contain ": ", so prefer the name the roster already has
	var name, text string
	if known && pl.Name != "" && strings.HasPrefix(match[2], pl.Name+":") {
		name = pl.Name
		text = match[2][len(pl.Name)+1:]
	} else {
		var ok bool
		name, text, ok = strings.Cut(match[2], ":")
		if !ok {
			return nil
		}
	}
	text = strings.TrimSpace(text)

	if known {
		ev.Player = pl
	}
	ev.Data = SayData{ClientID: id, Name: name, Text: text, TeamOnly: teamOnly}
	events := []Event{ev}

	if !teamOnly && strings.HasPrefix(text, "!") {
		if fields := strings.Fields(text[1:]); len(fields) > 0 {
			events = append(events, Event{
				Tag:    domain.TagCommand,
				Clock:  ev.Clock,
				Line:   ev.Line,
				Player: ev.Player,
				Data: CommandData{
					ClientID: id,
					Command:  strings.ToLower(fields[0]),
					Args:     fields[1:],
				},
			})
		}
	}
	return events
}
