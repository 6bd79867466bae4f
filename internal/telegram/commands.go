package telegram

import "strings"

// CommandType enumerates the slash commands the bridge understands.
type CommandType string

const (
	CommandStop       CommandType = "stop"
	CommandStatus     CommandType = "status"
	CommandRetry      CommandType = "retry"
	CommandLastResult CommandType = "lastresult"
	CommandHelp       CommandType = "help"
	CommandUnknown    CommandType = "unknown"
)

// ParsedCommand is one recognized slash command with its optional payload.
type ParsedCommand struct {
	Type    CommandType
	Payload string
}

// ParseCommand interprets a message as a slash command. Returns nil for
// plain text, which the caller submits as a run. The @botname suffix
// Telegram appends in groups is stripped.
func ParseCommand(text string) *ParsedCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	name, payload, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	payload = strings.TrimSpace(payload)

	switch strings.ToLower(name) {
	case "stop":
		return &ParsedCommand{Type: CommandStop}
	case "status":
		return &ParsedCommand{Type: CommandStatus}
	case "retry":
		return &ParsedCommand{Type: CommandRetry}
	case "lastresult":
		return &ParsedCommand{Type: CommandLastResult}
	case "help", "start":
		return &ParsedCommand{Type: CommandHelp}
	}
	return &ParsedCommand{Type: CommandUnknown, Payload: payload}
}
