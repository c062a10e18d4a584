package domain

import (
	"strings"
	"time"
)

// Log tags recognized in the game log
const (
	TagClientConnect         = "ClientConnect"
	TagClientDisconnect      = "ClientDisconnect"
	TagClientUserinfo        = "ClientUserinfo"
	TagClientUserinfoChanged = "ClientUserinfoChanged"
	TagClientBegin           = "ClientBegin"
	TagInitGame              = "InitGame"
	TagInitRound             = "InitRound"
	TagExit                  = "Exit"
	TagSurvivorWinner        = "SurvivorWinner"
	TagShutdownGame          = "ShutdownGame"
	TagKill                  = "Kill"
	TagHit                   = "Hit"
	TagSay                   = "say"
	TagSayTeam               = "sayteam"

	// TagCommand is synthesized from a say line starting with "!"
	TagCommand = "Command"
)

// ServerEventTags are the tags dispatched on the server event listener
var ServerEventTags = []string{
	TagClientConnect, TagClientDisconnect, TagClientUserinfo, TagClientUserinfoChanged,
	TagClientBegin, TagInitGame, TagInitRound, TagExit, TagSurvivorWinner,
	TagShutdownGame, TagKill, TagHit, TagSay, TagSayTeam,
}

// EventName is the bus event name for a log tag
func EventName(tag string) string {
	return strings.ToLower(tag)
}

// Event represents a server event as published to external consumers
type Event struct {
	Type      string      `json:"event"`
	Session   string      `json:"session"`
	Run       string      `json:"run,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}
