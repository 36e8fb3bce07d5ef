package hooks

import (
	"fmt"
	"os"
	"path/filepath"
)

const afkCommand = `---
description: Hand this session over to chat while you are away
allowed-tools: Bash(%[1]s activate:*)
---

Run this command with the Bash tool and show me its output verbatim:

%[1]s activate --project "$(basename "$PWD")" $ARGUMENTS

Afterwards keep working normally. Permission prompts and task completions
will be relayed to chat until I run /back.
`

const backCommand = `---
description: Take this session back from chat
allowed-tools: Bash(%[1]s deactivate:*)
---

Run this command with the Bash tool and show me its output verbatim:

%[1]s deactivate
`

// CommandFiles returns the slash command files for binary, keyed by name.
func CommandFiles(binary string) map[string]string {
	return map[string]string{
		"afk.md":  fmt.Sprintf(afkCommand, binary),
		"back.md": fmt.Sprintf(backCommand, binary),
	}
}

// InstallCommands writes /afk and /back into dir/commands and returns the
// paths written.
func InstallCommands(dir, binary string) ([]string, error) {
	target := filepath.Join(dir, "commands")
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, err
	}
	var written []string
	for _, name := range []string{"afk.md", "back.md"} {
		path := filepath.Join(target, name)
		if err := os.WriteFile(path, []byte(CommandFiles(binary)[name]), 0o644); err != nil {
			return written, fmt.Errorf("writing %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
