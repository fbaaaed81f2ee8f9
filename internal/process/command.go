package process

import (
	"regexp"
	"strings"

	"github.com/google/shlex"

	apperr "polyrun/internal/errors"
)

// Vars are the values substituted into command templates.
type Vars struct {
	Main   string // main file name
	Module string // main file name without extension
	Dir    string // absolute workspace path
}

// Command is a command template resolved to an argument vector.
type Command struct {
	Argv  []string
	Env   []string // NAME=value assignments that prefixed the template
	Shell bool     // true when the template is run through the shell
}

var envAssign = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// BuildCommand expands placeholders in tpl and splits it into arguments.
// Templates that rely on shell syntax are returned as [shell, -c, template].
func BuildCommand(tpl string, vars Vars, shell string) (Command, error) {
	if strings.TrimSpace(tpl) == "" {
		return Command{}, apperr.New(apperr.InvalidParams).WithMessage("command template is required")
	}

	expanded := strings.NewReplacer(
		"{main}", quote(vars.Main),
		"{module}", quote(vars.Module),
		"{dir}", quote(vars.Dir),
	).Replace(tpl)

	if needsShell(expanded) {
		if shell == "" {
			shell = defaultShell
		}
		return Command{Argv: []string{shell, "-c", expanded}, Shell: true}, nil
	}

	fields, err := shlex.Split(expanded)
	if err != nil {
		return Command{}, apperr.Wrapf(err, apperr.InvalidParams, "parse command template")
	}

	var cmd Command
	for len(fields) > 0 && envAssign.MatchString(fields[0]) {
		cmd.Env = append(cmd.Env, fields[0])
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return Command{}, apperr.New(apperr.InvalidParams).WithMessage("command is empty after expansion")
	}
	cmd.Argv = fields
	return cmd, nil
}

// needsShell reports whether s uses shell syntax outside of quoting that an
// argument vector cannot express.
func needsShell(s string) bool {
	const (
		plain = iota
		single
		double
	)
	state := plain
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case plain:
			switch c {
			case '\\':
				i++
			case '\'':
				state = single
			case '"':
				state = double
			case '$', ';', '|', '&', '<', '>', '`', '(', ')', '\n', '*', '?', '~':
				return true
			}
		case single:
			if c == '\'' {
				state = plain
			}
		case double:
			switch c {
			case '\\':
				i++
			case '"':
				state = plain
			case '$', '`':
				return true
			}
		}
	}
	return false
}

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_./@%+=:,-]+$`)

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
