package rcon

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ernie/urtwarden/internal/domain"
)

const (
	getStatus      = q3Header + "getstatus\n"
	statusResponse = q3Header + "statusResponse\n"
)

// PublicPlayer is one player line of a getstatus response
type PublicPlayer struct {
	Score int
	Ping  int
	Name  string
}

// PublicStatus is the unauthenticated getstatus response
type PublicStatus struct {
	Address string
	Vars    map[string]string
	Players []PublicPlayer
}

// Hostname returns sv_hostname without color codes
func (s *PublicStatus) Hostname() string {
	return domain.CleanName(s.Vars["sv_hostname"])
}

// GetStatus queries a server without a password. It tells an unreachable
// server apart from one that only rejects the rcon password.
func GetStatus(address string, timeout time.Duration) (*PublicStatus, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := net.DialTimeout("udp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write([]byte(getStatus)); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	buf := make([]byte, maxResponse)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return parseStatusResponse(address, buf[:n])
}

// parseStatusResponse parses \xff\xff\xff\xffstatusResponse\n<vars>\n<player>...
func parseStatusResponse(address string, data []byte) (*PublicStatus, error) {
	if !bytes.HasPrefix(data, []byte(statusResponse)) {
		return nil, fmt.Errorf("invalid response prefix")
	}
	lines := strings.Split(string(data[len(statusResponse):]), "\n")

	vars := domain.ParseInfoString(lines[0])
	status := &PublicStatus{Address: address, Vars: make(map[string]string, len(vars))}
	for k, v := range vars {
		status.Vars[strings.ToLower(k)] = v
	}

	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if player, ok := parsePlayerLine(line); ok {
			status.Players = append(status.Players, player)
		}
	}
	return status, nil
}

// parsePlayerLine parses: <score> <ping> "<name>"
func parsePlayerLine(line string) (PublicPlayer, bool) {
	var player PublicPlayer
	quoteStart := strings.Index(line, "\"")
	quoteEnd := strings.LastIndex(line, "\"")
	if quoteStart == -1 || quoteEnd <= quoteStart {
		return player, false
	}
	player.Name = line[quoteStart+1 : quoteEnd]

	parts := strings.Fields(line[:quoteStart])
	if len(parts) < 2 {
		return player, false
	}
	player.Score, _ = strconv.Atoi(parts[0])
	player.Ping, _ = strconv.Atoi(parts[1])
	return player, true
}
