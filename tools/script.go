// Script tool - runs vetted scripts without a shell
package tools

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

// RunScriptTool executes a script from the script directory. The command
// line is shlex-split into an argv; no shell is involved, and only
// scripts inside the configured directory can run.
type RunScriptTool struct {
	ScriptDir string
	Workspace string
}

func (t *RunScriptTool) Name() string { return "run_script" }
func (t *RunScriptTool) Description() string {
	return "Run a script from the scripts directory. Args: command (script name followed by arguments, shell-style quoting)."
}
func (t *RunScriptTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "script name and arguments, e.g. \"backup.sh --dry-run\"",
			},
		},
		"required": []string{"command"},
	}
}

func (t *RunScriptTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command := strings.TrimSpace(GetString(args, "command"))
	if command == "" {
		return "", Argf("command is required")
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return "", Argf("bad command quoting: %v", err)
	}
	if len(argv) == 0 {
		return "", Argf("empty command")
	}

	script := argv[0]
	if strings.ContainsAny(script, "/\\") {
		return "", Argf("script name must not contain path separators: %s", script)
	}
	scriptPath := filepath.Join(t.ScriptDir, script)
	resolved, err := filepath.EvalSymlinks(scriptPath)
	if err != nil {
		return "", Argf("unknown script: %s", script)
	}
	dir, err := filepath.EvalSymlinks(t.ScriptDir)
	if err != nil {
		return "", fmt.Errorf("script dir: %v", err)
	}
	if filepath.Dir(resolved) != dir {
		return "", Argf("script resolves outside the scripts directory: %s", script)
	}

	cmd := exec.CommandContext(ctx, resolved, argv[1:]...)
	cmd.Dir = t.Workspace
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("%v\n%s", err, out)
	}
	if len(out) == 0 {
		return "(no output)", nil
	}
	return string(out), nil
}
