package rcon

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ernie/urtwarden/internal/domain"
)

// StatusSlot is one occupied client slot from a status reply
type StatusSlot struct {
	ID      int
	Score   int
	Ping    string // numeric, or CNCT/ZMBI while connecting
	Name    string
	Address string
}

// Status is a parsed status reply
type Status struct {
	Map   string
	Slots []StatusSlot
}

// ParseStatus parses the reply to "status".
// Format:
//
//	map: ut4_abbey
//	num score ping name            lastmsg address               qport rate
//	--- ----- ---- --------------- ------- --------------------- ----- -----
//	  0     5   50 Bob^7                 0 1.2.3.4:27960          1234 25000
func ParseStatus(reply string) (*Status, error) {
	lines := strings.Split(reply, "\n")
	status := &Status{}
	inSlots := false
	seenHeader := false

	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "map:"):
			status.Map = strings.TrimSpace(strings.TrimPrefix(trimmed, "map:"))
			seenHeader = true
			continue
		case strings.HasPrefix(trimmed, "num "):
			seenHeader = true
			continue
		case strings.HasPrefix(trimmed, "---"):
			inSlots = true
			continue
		case trimmed == "" || !inSlots:
			continue
		}

		slot, err := parseStatusLine(trimmed)
		if err != nil {
			continue // Skip malformed slot lines
		}
		status.Slots = append(status.Slots, slot)
	}

	if !seenHeader {
		return nil, fmt.Errorf("status reply has no header")
	}
	return status, nil
}

// parseStatusLine reads the fixed leading and trailing columns around the
// player name, which may itself contain spaces
func parseStatusLine(line string) (StatusSlot, error) {
	var slot StatusSlot
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return slot, fmt.Errorf("short status line")
	}

	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return slot, fmt.Errorf("bad slot number %q", fields[0])
	}
	slot.ID = id
	slot.Score, _ = strconv.Atoi(fields[1])
	slot.Ping = fields[2]

	// lastmsg address qport rate
	tail := fields[len(fields)-4:]
	slot.Address = tail[1]
	slot.Name = strings.Join(fields[3:len(fields)-4], " ")
	return slot, nil
}

// ParseServerInfo parses the reply to "serverinfo" into lowercase-keyed cvars.
// Format:
//
//	Server info settings:
//	sv_hostname         My Server
//	g_gametype          4
func ParseServerInfo(reply string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, "settings:") {
			continue
		}
		key, value := splitColumn(line)
		vars[strings.ToLower(key)] = value
	}
	return vars
}

// ParseDumpUser parses the reply to "dumpuser <id>" into userinfo keys.
// Format:
//
//	userinfo
//	--------
//	ip                  1.2.3.4:27960
//	name                Bob
func ParseDumpUser(reply string) (map[string]string, error) {
	lines := strings.Split(reply, "\n")
	info := make(map[string]string)
	inBody := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "---") {
			inBody = true
			continue
		}
		if !inBody || line == "" {
			continue
		}
		key, value := splitColumn(line)
		info[key] = value
	}
	if !inBody {
		return nil, fmt.Errorf("dumpuser: %s", strings.TrimSpace(reply))
	}
	return info, nil
}

var cvarValueRegex = regexp.MustCompile(`is:\s*"([^"]*)"`)

// ParseTeamList decodes a g_redteamlist/g_blueteamlist cvar reply, where each
// letter stands for a client slot ('A' is slot 0).
// Format: "g_redteamlist" is:"ACD^7" default:"^7"
func ParseTeamList(reply string) []int {
	match := cvarValueRegex.FindStringSubmatch(reply)
	if match == nil {
		return nil
	}
	var ids []int
	for _, r := range domain.CleanName(match[1]) {
		if r >= 'A' && r <= 'Z' {
			ids = append(ids, int(r-'A'))
		}
	}
	return ids
}

// splitColumn splits "key<spaces>value"
func splitColumn(line string) (string, string) {
	idx := strings.IndexAny(line, " \t")
	if idx == -1 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx:])
}
