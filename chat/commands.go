package chat

import (
	"strings"
)

var shellFences = map[string]bool{
	"bash":  true,
	"sh":    true,
	"shell": true,
	"zsh":   true,
}

// ExtractCommands returns the shell commands found in fenced bash, sh, shell
// or zsh code blocks. Comment lines are skipped, a leading "$ " prompt is
// stripped and backslash continuations are joined into one command.
func ExtractCommands(text string) []string {
	var (
		cmds    []string
		inBlock bool
		shell   bool
		pending []string
	)
	flush := func() {
		if len(pending) > 0 {
			cmds = append(cmds, strings.Join(pending, " "))
			pending = nil
		}
	}

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "```") {
			if inBlock {
				flush()
				inBlock = false
				continue
			}
			inBlock = true
			info := strings.Fields(strings.TrimPrefix(line, "```"))
			shell = len(info) > 0 && shellFences[strings.ToLower(info[0])]
			continue
		}
		if !inBlock || !shell {
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			if len(pending) == 0 {
				continue
			}
			flush()
			continue
		}
		line = strings.TrimPrefix(line, "$ ")
		if cont, ok := strings.CutSuffix(line, "\\"); ok {
			if part := strings.TrimSpace(cont); part != "" {
				pending = append(pending, part)
			}
			continue
		}
		pending = append(pending, line)
		flush()
	}
	flush()
	return cmds
}
