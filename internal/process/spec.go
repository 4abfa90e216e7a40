package process

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Language selects how a worker is launched.
type Language string

const (
	LanguageNodeJS  Language = "nodejs"
	LanguagePython  Language = "python"
	LanguageCommand Language = "command"
)

// Spec describes a worker to be supervised.
type Spec struct {
	ID          string            `json:"id" mapstructure:"id"`
	Name        string            `json:"name" mapstructure:"name"`
	Language    Language          `json:"language" mapstructure:"language"`
	MainFile    string            `json:"main_file,omitempty" mapstructure:"main_file"` // entry script for nodejs/python
	Args        []string          `json:"args,omitempty" mapstructure:"args"`
	Command     string            `json:"command,omitempty" mapstructure:"command"` // launch command for language=command
	Setup       string            `json:"setup,omitempty" mapstructure:"setup"`     // overrides the language's dependency install; "-" disables it
	WorkDir     string            `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Environment map[string]string `json:"environment,omitempty" mapstructure:"environment"`
	AutoRestart bool              `json:"auto_restart" mapstructure:"auto_restart"`
}

// ErrInvalidSpec is wrapped by every Validate failure.
var ErrInvalidSpec = errors.New("invalid worker spec")

// Validate checks the fields required to launch the worker.
func (s Spec) Validate() error {
	if err := s.validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSpec, err)
	}
	return nil
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("worker requires id")
	}
	if strings.ContainsAny(s.ID, `/\`) || s.ID == "." || s.ID == ".." {
		return fmt.Errorf("worker id %q must not contain path separators", s.ID)
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("worker requires name")
	}
	switch s.Language {
	case LanguageNodeJS, LanguagePython:
		if strings.TrimSpace(s.MainFile) == "" {
			return fmt.Errorf("%s worker %q requires main_file", s.Language, s.ID)
		}
	case LanguageCommand, "":
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("worker %q requires command", s.ID)
		}
		if len(s.Args) > 0 && shellForm(s.Command) {
			return fmt.Errorf("worker %q: args cannot follow a shell command, put them in the command", s.ID)
		}
	default:
		return fmt.Errorf("unsupported language %q", s.Language)
	}
	return nil
}

// ResolveWorkDir returns WorkDir, or <botsDir>/<id> when it is unset.
func (s Spec) ResolveWorkDir(botsDir string) string {
	if s.WorkDir != "" {
		return s.WorkDir
	}
	if botsDir == "" {
		return ""
	}
	return filepath.Join(botsDir, s.ID)
}

// EnvList renders Environment as sorted KEY=VALUE pairs.
func (s Spec) EnvList() []string {
	keys := make([]string, 0, len(s.Environment))
	for k := range s.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Environment[k])
	}
	return out
}

// SetupCommand returns the dependency install step, or "" when there is none.
func (s Spec) SetupCommand() string {
	if s.Setup == "-" {
		return ""
	}
	if s.Setup != "" {
		return s.Setup
	}
	switch s.Language {
	case LanguageNodeJS:
		return "npm install"
	case LanguagePython:
		return "pip install -r requirements.txt"
	}
	return ""
}

// BuildCommand constructs the launch *exec.Cmd for the worker.
func (s Spec) BuildCommand() *exec.Cmd {
	switch s.Language {
	case LanguageNodeJS:
		// #nosec G204
		return exec.Command("node", append([]string{s.MainFile}, s.Args...)...)
	case LanguagePython:
		// #nosec G204
		return exec.Command("python", append([]string{s.MainFile}, s.Args...)...)
	}
	cmd := commandFromString(s.Command)
	if !shellForm(s.Command) {
		cmd.Args = append(cmd.Args, s.Args...)
	}
	return cmd
}

// commandFromString avoids invoking a shell when not necessary, and it also
// respects an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func commandFromString(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return trueCommand()
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(afterC)
	}
	if shellForm(cmdStr) {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// shellForm reports whether cmdStr runs as a shell script. Extra argv
// entries after a script would only become $0, $1...
func shellForm(cmdStr string) bool {
	cmdStr = strings.TrimSpace(cmdStr)
	if _, _, ok := parseExplicitShell(cmdStr); ok {
		return true
	}
	return strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~")
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of outer quotes so the shell parses the script itself.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
