package rcon

import (
	"strconv"
	"strings"
)

// Command is an rcon command name understood by the game server
type Command string

const (
	CmdStatus       Command = "status"
	CmdServerInfo   Command = "serverinfo"
	CmdDumpUser     Command = "dumpuser"
	CmdRedTeamList  Command = "g_redteamlist"
	CmdBlueTeamList Command = "g_blueteamlist"
	CmdSay          Command = "say"
	CmdTell         Command = "tell"
	CmdBigText      Command = "bigtext"
	CmdKick         Command = "kick"
	CmdSlap         Command = "slap"
	CmdForceTeam    Command = "forceteam"
	CmdMap          Command = "map"
	CmdCycleMap     Command = "cyclemap"
	CmdRestart      Command = "restart"
	CmdReload       Command = "reload"
)

// Build renders a command line. Arguments with spaces or semicolons are quoted
// so they cannot split into a second console command.
func Build(cmd Command, args ...string) string {
	var b strings.Builder
	b.WriteString(string(cmd))
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(quoteArg(arg))
	}
	return b.String()
}

func quoteArg(arg string) string {
	arg = strings.NewReplacer("\"", "'", "\n", " ", "\r", " ").Replace(arg)
	if arg == "" || strings.ContainsAny(arg, " ;") {
		return `"` + arg + `"`
	}
	return arg
}

// Rcon sends an arbitrary command. It is the escape hatch for commands
// without a dedicated builder.
func (t *Transport) Rcon(cmd string, args ...string) error {
	return t.Send(Build(Command(cmd), args...))
}

// Say broadcasts a chat message
func (t *Transport) Say(msg string) error {
	return t.Send(Build(CmdSay, msg))
}

// BigText shows a centered message to every player
func (t *Transport) BigText(msg string) error {
	return t.Send(Build(CmdBigText, msg))
}

// Tell sends a private message to one client slot
func (t *Transport) Tell(clientID int, msg string) error {
	return t.Send(Build(CmdTell, strconv.Itoa(clientID), msg))
}

// Kick removes a client slot, with an optional reason
func (t *Transport) Kick(clientID int, reason string) error {
	args := []string{strconv.Itoa(clientID)}
	if reason != "" {
		args = append(args, reason)
	}
	return t.Send(Build(CmdKick, args...))
}
