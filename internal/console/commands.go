package console

import "strings"

// CommandKind classifies a line typed at the prompt.
type CommandKind int

const (
	CommandNone CommandKind = iota
	CommandQuit
	CommandHelp
	CommandTask
)

// ParseCommand trims line and classifies it. Command words are matched
// case-insensitively; anything else is a task.
func ParseCommand(line string) (CommandKind, string) {
	text := strings.TrimSpace(line)
	switch strings.ToLower(text) {
	case "":
		return CommandNone, ""
	case "quit", "exit", "q":
		return CommandQuit, ""
	case "help", "h":
		return CommandHelp, ""
	default:
		return CommandTask, text
	}
}

const helpText = `Available commands:
  quit/exit/q  - Exit the client
  help/h       - Show this help message

Just type your task and press Enter to send it.`
