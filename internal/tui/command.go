package tui

import "strings"

// Command is a parsed ':' command line.
type Command struct {
	Name string
	Args string
}

var commandAliases = map[string]string{
	"q":    "quit",
	"h":    "help",
	"chat": "open",
	"find": "search",
}

// commandUsage lists the commands that cannot run without an argument.
var commandUsage = map[string]string{
	"add":  "add <address>",
	"open": "open <address|n>",
}

// ParseCommand splits input (without the leading ':') into a lower-cased,
// alias-resolved name and its arguments.
func ParseCommand(input string) Command {
	name, args, _ := strings.Cut(strings.TrimSpace(input), " ")
	name = strings.ToLower(name)
	if full, ok := commandAliases[name]; ok {
		name = full
	}
	return Command{Name: name, Args: strings.TrimSpace(args)}
}

// MissingArgs returns the usage line when cmd needs an argument it lacks.
func (c Command) MissingArgs() (string, bool) {
	usage, ok := commandUsage[c.Name]
	if !ok || c.Args != "" {
		return "", false
	}
	return usage, true
}
