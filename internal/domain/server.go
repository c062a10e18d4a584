package domain

import "sort"

// Lifecycle is the state of a managed server session
type Lifecycle int

const (
	Disconnected Lifecycle = iota
	Connecting
	Enabled
	Held     // log polling at reduced rate, rcon suppressed
	Disabled // connect failed or shut down by an admin
)

func (l Lifecycle) String() string {
	switch l {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Enabled:
		return "enabled"
	case Held:
		return "held"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// SessionState is the authoritative state of one managed server.
// It is owned by that server's session loop and must not be shared.
type SessionState struct {
	Name         string            `json:"name"`
	Address      string            `json:"address"`
	RconPassword string            `json:"-"`
	LogSource    string            `json:"log_source,omitempty"`
	Roster       map[int]*Player   `json:"roster"`
	Scores       map[Team]int      `json:"scores"`
	ServerInfo   map[string]string `json:"server_info"`
	Lifecycle    Lifecycle         `json:"lifecycle"`
}

// NewSessionState creates an empty state for a server
func NewSessionState(name, address, password, logSource string) *SessionState {
	return &SessionState{
		Name:         name,
		Address:      address,
		RconPassword: password,
		LogSource:    logSource,
		Roster:       make(map[int]*Player),
		Scores:       map[Team]int{TeamRed: 0, TeamBlue: 0},
		ServerInfo:   make(map[string]string),
		Lifecycle:    Disconnected,
	}
}

// Player returns the player in a client slot
func (s *SessionState) Player(id int) (*Player, bool) {
	p, ok := s.Roster[id]
	return p, ok
}

// PlayerByGUID finds a connected player by GUID
func (s *SessionState) PlayerByGUID(guid string) (*Player, bool) {
	for _, id := range s.PlayerIDs() {
		if p := s.Roster[id]; p.GUID == guid {
			return p, true
		}
	}
	return nil, false
}

// PlayerIDs returns the occupied client slots in ascending order
func (s *SessionState) PlayerIDs() []int {
	ids := make([]int, 0, len(s.Roster))
	for id := range s.Roster {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ResetScores zeroes both team scores
func (s *SessionState) ResetScores() {
	s.Scores = map[Team]int{TeamRed: 0, TeamBlue: 0}
}

// MergeServerInfo copies key/values into ServerInfo, replacing existing keys
func (s *SessionState) MergeServerInfo(vars map[string]string) {
	for k, v := range vars {
		s.ServerInfo[k] = v
	}
}
