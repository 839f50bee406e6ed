// Package launch composes what the supervisor types into the backend's
// shell session: the launch command line and the environment the shell
// starts with.
package launch

import (
	"strings"

	"github.com/comflowy/comfyd/internal/config"
)

// Step is one program invocation.
type Step struct {
	Program string
	Args    []string
}

// Command is an ordered list of steps run in the session shell. When Exec
// is set, the last step replaces the shell so that the session ends when
// the backend does.
type Command struct {
	Steps []Step
	Exec  bool
}

// Build returns the launch command for the backend: activate its
// environment, optionally reinstall its requirements, then run the entry
// point.
func Build(b config.Backend, reinstall bool) Command {
	var cmd Command

	switch {
	case len(b.Activate) > 0:
		cmd.Steps = append(cmd.Steps, Step{Program: b.Activate[0], Args: b.Activate[1:]})
	case b.CondaEnv != "":
		cmd.Steps = append(cmd.Steps, Step{Program: "conda", Args: []string{"activate", b.CondaEnv}})
	}

	if reinstall {
		cmd.Steps = append(cmd.Steps, Step{Program: b.Pip, Args: []string{"install", "-r", b.Requirements}})
	}

	args := append([]string{b.EntryPoint}, b.Args...)
	cmd.Steps = append(cmd.Steps, Step{Program: b.Python, Args: args})
	cmd.Exec = true
	return cmd
}

// Line renders the command as a single line for an interactive shell,
// terminated by a carriage return (Enter on a terminal).
func (c Command) Line() string {
	parts := make([]string, 0, len(c.Steps))
	for i, s := range c.Steps {
		words := make([]string, 0, len(s.Args)+2)
		if c.Exec && i == len(c.Steps)-1 {
			words = append(words, "exec")
		}
		words = append(words, Quote(s.Program))
		for _, a := range s.Args {
			words = append(words, Quote(a))
		}
		parts = append(parts, strings.Join(words, " "))
	}
	return strings.Join(parts, "; ") + "\r"
}

// String renders the command without the trailing carriage return.
func (c Command) String() string {
	return strings.TrimSuffix(c.Line(), "\r")
}

// Quote returns s quoted for a POSIX shell. Words made only of safe
// characters are returned unchanged.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, unsafe) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unsafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}
