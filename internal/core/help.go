package core

import (
	"strings"
)

// helpText renders /help output. Without arguments it lists top-level
// commands; with a path it drills into containers, leaves, or aliases.
func (m *CommandManager) helpText(path []string) string {
	if len(path) == 0 {
		lines := []string{"📚 Commands (use /help <cmd> ...):"}
		for _, name := range m.root.childNames() {
			n, _ := m.root.child(name)
			suffix := ""
			if len(n.children) > 0 {
				suffix = " …"
			}
			lines = append(lines, describeCmd("/"+name+suffix, n))
		}
		return strings.Join(lines, "\n")
	}

	n := m.root.find(path)
	if n == nil {
		// An alias resolves to its canonical route's help.
		if len(path) == 1 {
			if leaf, ok := m.alias[path[0]]; ok && leaf != nil && leaf.cmd != nil {
				return m.helpText(splitRoute(leaf.cmd.Route))
			}
		}
		return "command not found. try /help"
	}

	if n.cmd == nil {
		lines := []string{"📚 /" + strings.Join(path, " ") + " subcommands:"}
		for _, name := range n.childNames() {
			cn, _ := n.child(name)
			lines = append(lines, describeCmd("/"+path[0]+" "+name, cn))
		}
		lines = append(lines, "Tip: /help "+strings.Join(path, " ")+" <subcommand>")
		return strings.Join(lines, "\n")
	}

	cmd := n.cmd
	lines := []string{"📌 " + cmd.Route}
	if cmd.Description != "" {
		lines = append(lines, cmd.Description)
	}
	if cmd.Usage != "" {
		lines = append(lines, "Usage: "+cmd.Usage)
	}
	if len(cmd.Aliases) > 0 {
		lines = append(lines, "Aliases: /"+strings.Join(cmd.Aliases, ", /"))
	}
	if len(n.children) > 0 {
		lines = append(lines, "Subcommands:")
		for _, name := range n.childNames() {
			cn, _ := n.child(name)
			lines = append(lines, describeCmd(name, cn))
		}
	}
	return strings.Join(lines, "\n")
}

func describeCmd(label string, n *cmdNode) string {
	if n.cmd != nil && n.cmd.Description != "" {
		return "- " + label + " — " + n.cmd.Description
	}
	return "- " + label
}
