package hooks

import "strings"

// Command is a slash command recognized in pull request comments.
type Command int

const (
	CommandNone Command = iota
	CommandPreview
	CommandDelete
)

func (c Command) String() string {
	switch c {
	case CommandPreview:
		return "/preview"
	case CommandDelete:
		return "/delete"
	default:
		return "none"
	}
}

// ParseCommand reads the leading whitespace-delimited token of a comment
// body. Only an exact /preview or /delete token counts, case-insensitive;
// anything else is CommandNone.
func ParseCommand(content string) Command {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return CommandNone
	}
	switch strings.ToLower(fields[0]) {
	case "/preview":
		return CommandPreview
	case "/delete":
		return CommandDelete
	default:
		return CommandNone
	}
}
