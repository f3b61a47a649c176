package main

import (
	"errors"
	"fmt"
	"strings"
)

type commandKind int

const (
	cmdChat commandKind = iota
	cmdGlobal
	cmdMute
	cmdUnmute
	cmdName
	cmdJoin
	cmdLeave
	cmdStatus
	cmdRooms
	cmdQuit
)

// command is one line typed on stdin. Plain text is room chat; lines
// starting with '/' are control commands.
type command struct {
	kind commandKind
	arg  string
}

var errEmptyCommand = errors.New("empty command")

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errEmptyCommand
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdChat, arg: line}, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	needsArg := func(kind commandKind) (command, error) {
		if arg == "" {
			return command{}, fmt.Errorf("/%s needs an argument", name)
		}
		return command{kind: kind, arg: arg}, nil
	}

	switch strings.ToLower(name) {
	case "say":
		return needsArg(cmdChat)
	case "global", "g":
		return needsArg(cmdGlobal)
	case "name", "nick":
		return needsArg(cmdName)
	case "join":
		return needsArg(cmdJoin)
	case "mute":
		return command{kind: cmdMute}, nil
	case "unmute":
		return command{kind: cmdUnmute}, nil
	case "leave":
		return command{kind: cmdLeave}, nil
	case "status":
		return command{kind: cmdStatus}, nil
	case "rooms":
		return command{kind: cmdRooms}, nil
	case "quit", "exit":
		return command{kind: cmdQuit}, nil
	default:
		return command{}, fmt.Errorf("unknown command /%s", name)
	}
}
