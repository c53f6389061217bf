package router

import (
	"strings"
)

func (m *Manager) helpText(args []string) string {
	m.mu.RLock()
	cmds := m.cmds
	names := m.names
	m.mu.RUnlock()
	prefix := m.options().Prefix

	if len(args) > 0 {
		c, ok := cmds[strings.ToLower(args[0])]
		if !ok {
			return "Unknown command `" + args[0] + "`. Try `" + prefix + "help`."
		}
		lines := []string{"**" + prefix + c.Name + "**"}
		if c.Description != "" {
			lines = append(lines, c.Description)
		}
		if c.Usage != "" {
			lines = append(lines, "Usage: `"+prefix+c.Usage+"`")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "Aliases: "+strings.Join(c.Aliases, ", "))
		}
		if c.Access == AccessModerator {
			lines = append(lines, "Moderators only.")
		}
		return strings.Join(lines, "\n")
	}

	var b strings.Builder
	b.WriteString("**Commands**\n")
	for _, n := range names {
		c := cmds[n]
		b.WriteString("`" + prefix + n + "`")
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
