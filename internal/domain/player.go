package domain

import (
	"regexp"
	"strconv"
	"strings"
)

// Team is a player's side as reported by the game
type Team int

// Team values match the game's numeric "t" userinfo key
const (
	TeamFree Team = iota
	TeamRed
	TeamBlue
	TeamSpectator
)

func (t Team) String() string {
	switch t {
	case TeamFree:
		return "FREE"
	case TeamRed:
		return "RED"
	case TeamBlue:
		return "BLUE"
	case TeamSpectator:
		return "SPEC"
	default:
		return "UNKNOWN"
	}
}

// ParseTeam maps a team name or its numeric form to a Team
func ParseTeam(s string) (Team, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free", "0":
		return TeamFree, true
	case "red", "1":
		return TeamRed, true
	case "blue", "2":
		return TeamBlue, true
	case "spectator", "spec", "3":
		return TeamSpectator, true
	}
	return TeamFree, false
}

// Player is one occupied client slot on a managed server
type Player struct {
	ID        int               `json:"id"`
	GUID      string            `json:"guid,omitempty"`
	Name      string            `json:"name"`
	CleanName string            `json:"clean_name"`
	Aliases   []string          `json:"aliases,omitempty"` // previous names, oldest first
	IP        string            `json:"ip,omitempty"`
	Port      int               `json:"port,omitempty"`
	Team      Team              `json:"team"`
	Color     [3]int            `json:"color"` // armband RGB from a0/a1/a2
	Level     int               `json:"level"`
	Begin     bool              `json:"begin"`
	IsBot     bool              `json:"is_bot"`
	Userinfo  map[string]string `json:"-"`
}

// NewPlayer creates an empty player for a client slot
func NewPlayer(id int) *Player {
	return &Player{ID: id, Userinfo: make(map[string]string)}
}

// Reset forgets everything about the slot's previous occupant
func (p *Player) Reset() {
	*p = *NewPlayer(p.ID)
}

// SetName updates the player's name, keeping the old one in the alias history
func (p *Player) SetName(name string) {
	if name == "" || name == p.Name {
		return
	}
	if p.Name != "" && !p.HasAlias(p.Name) {
		p.Aliases = append(p.Aliases, p.Name)
	}
	p.Name = name
	p.CleanName = CleanName(name)
}

// HasAlias reports whether name was used by this player before
func (p *Player) HasAlias(name string) bool {
	for _, a := range p.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// SetAddress splits an "ip:port" userinfo value
func (p *Player) SetAddress(addr string) {
	if addr == "" {
		return
	}
	host, port, found := strings.Cut(addr, ":")
	p.IP = host
	p.Port = 0
	if found {
		p.Port, _ = strconv.Atoi(port)
	}
}

// Clone returns a deep copy safe to hand to another goroutine
func (p *Player) Clone() *Player {
	c := *p
	c.Aliases = append([]string(nil), p.Aliases...)
	c.Userinfo = make(map[string]string, len(p.Userinfo))
	for k, v := range p.Userinfo {
		c.Userinfo[k] = v
	}
	return &c
}

// colorCodeRegex matches Quake 3 color codes like ^1, ^2, etc.
var colorCodeRegex = regexp.MustCompile(`\^[0-9]`)

// CleanName removes Quake 3 color codes from a player name
func CleanName(name string) string {
	return colorCodeRegex.ReplaceAllString(name, "")
}
