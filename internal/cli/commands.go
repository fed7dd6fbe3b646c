package cli

import "strings"

const helpText = `Chat commands:
  /help                 Show this message
  /stop                 Stop the running turn
  /exit                 Quit once the current turn is over
  /model <name>         Select a model
  /mode <name>          Select a permission mode
  /snapshot             Show the session state`

type commandResult struct {
	Type string
	Key  string
	Val  string
}

func isCommand(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "/")
}

func parseCommand(input string) commandResult {
	parts := strings.Fields(strings.TrimPrefix(strings.TrimSpace(input), "/"))
	if len(parts) == 0 {
		return commandResult{Type: "unknown"}
	}
	switch parts[0] {
	case "exit", "quit":
		return commandResult{Type: "exit"}
	case "help":
		return commandResult{Type: "help"}
	case "stop":
		return commandResult{Type: "stop"}
	case "snapshot":
		return commandResult{Type: "snapshot"}
	case "model":
		return commandResult{Type: "set", Key: "model", Val: strings.Join(parts[1:], " ")}
	case "mode":
		return commandResult{Type: "set", Key: "mode", Val: strings.Join(parts[1:], " ")}
	default:
		return commandResult{Type: "unknown", Val: input}
	}
}

func applyCommand(opts *Options, cmd commandResult) {
	if cmd.Type != "set" {
		return
	}
	switch cmd.Key {
	case "model":
		opts.Model = cmd.Val
	case "mode":
		opts.Mode = cmd.Val
	}
}

// parseAnswer reads a permission prompt answer. Anything but yes denies.
func parseAnswer(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes", "a", "allow":
		return true
	}
	return false
}
