package tui

import (
	"fmt"
	"strconv"
	"strings"
)

// command is one parsed line from the input box. Plain text becomes a task;
// lines starting with "/" are control commands.
type command struct {
	name string
	text string
	n    int
}

const (
	cmdTask      = "task"
	cmdInterrupt = "interrupt"
	cmdPrune     = "prune"
	cmdPrompt    = "prompt"
	cmdWorkers   = "workers"
	cmdQuit      = "quit"
)

func parseCommand(input string) (command, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return command{}, fmt.Errorf("empty input")
	}
	if !strings.HasPrefix(input, "/") {
		return command{name: cmdTask, text: input}, nil
	}

	fields := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(fields) == 0 {
		return command{}, fmt.Errorf("missing command after /")
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case cmdInterrupt, "stop":
		return command{name: cmdInterrupt}, nil

	case cmdPrune:
		c := command{name: cmdPrune, n: -1}
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return command{}, fmt.Errorf("usage: /prune [max_retain]")
			}
			c.n = n
		}
		return c, nil

	case cmdPrompt, "say":
		if len(args) == 0 {
			return command{}, fmt.Errorf("usage: /prompt <text>")
		}
		return command{name: cmdPrompt, text: strings.Join(args, " ")}, nil

	case cmdWorkers:
		return command{name: cmdWorkers}, nil

	case cmdQuit, "q", "exit":
		return command{name: cmdQuit}, nil

	default:
		return command{}, fmt.Errorf("unknown command /%s (try /interrupt, /prune, /prompt)", name)
	}
}
