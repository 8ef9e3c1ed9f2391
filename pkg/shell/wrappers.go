package shell

import (
	"fmt"
	"strings"
)

// wrapper describes how a command that runs another command parses its
// leading options.
type wrapper struct {
	// valueOpts consume the following word.
	valueOpts map[string]bool

	// operands are non-option words between the options and the command,
	// such as the duration of timeout.
	operands int

	// assigns skips NAME=VALUE words (env).
	assigns bool

	// rejectOpts make the wrapped command unknowable.
	rejectOpts []string
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

var wrappers = map[string]wrapper{
	"env": {
		valueOpts:  set("-u", "--unset", "-C", "--chdir"),
		assigns:    true,
		rejectOpts: []string{"-S", "--split-string"},
	},
	"command": {},
	"builtin": {},
	"exec":    {valueOpts: set("-a")},
	"nice":    {valueOpts: set("-n", "--adjustment")},
	"nohup":   {},
	"setsid":  {},
	"time":    {valueOpts: set("-f", "--format", "-o", "--output")},
	"timeout": {valueOpts: set("-s", "--signal", "-k", "--kill-after"), operands: 1},
	"stdbuf":  {valueOpts: set("-i", "-o", "-e", "--input", "--output", "--error")},
	"sudo": {
		valueOpts: set("-u", "-g", "-h", "-p", "-C", "-r", "-t", "-U", "-D",
			"--user", "--group", "--host", "--prompt", "--close-from", "--role", "--type", "--other-user", "--chdir"),
		assigns:    true,
		rejectOpts: []string{"-s", "-i", "--shell", "--login", "-e", "--edit"},
	},
	"doas":   {valueOpts: set("-u", "-C")},
	"ionice": {valueOpts: set("-c", "-n", "-p", "--class", "--classdata")},
	"chrt":   {operands: 1},
	"xargs": {
		valueOpts: set("-I", "-n", "-P", "-d", "-L", "-s", "-E", "-a",
			"--max-args", "--max-procs", "--delimiter", "--arg-file", "--replace", "--max-lines", "--eof"),
	},
}

// unwrap returns the wrapped command words. A NAME=VALUE word that changes
// name resolution is reported through the error.
func (wr wrapper) unwrap(args []word) ([]word, error) {
	i := 0
	for i < len(args) {
		a := args[i].value
		if !args[i].ok {
			break
		}
		if a == "--" {
			i++
			break
		}
		if strings.HasPrefix(a, "-") && a != "-" {
			for _, r := range wr.rejectOpts {
				if a == r || strings.HasPrefix(a, r+"=") || (len(r) == 2 && strings.HasPrefix(a, r)) {
					return nil, fmt.Errorf("option %s hides the wrapped command", r)
				}
			}
			if wr.valueOpts[a] {
				i += 2
				continue
			}
			i++
			continue
		}
		if wr.assigns && isAssignment(a) {
			name := a[:strings.IndexByte(a, '=')]
			if sensitiveVars[name] {
				return nil, fmt.Errorf("%s assignment", name)
			}
			i++
			continue
		}
		break
	}
	i += wr.operands
	if i >= len(args) {
		return nil, nil
	}
	return args[i:], nil
}

// sensitiveVars change how names resolve to code.
var sensitiveVars = set("LD_PRELOAD", "LD_LIBRARY_PATH", "LD_AUDIT", "PATH", "IFS",
	"BASH_ENV", "ENV", "PROMPT_COMMAND", "SHELLOPTS", "BASHOPTS")

func isAssignment(s string) bool {
	i := strings.IndexByte(s, '=')
	if i <= 0 {
		return false
	}
	for j, r := range s[:i] {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && j > 0:
		default:
			return false
		}
	}
	return true
}

// findExecCommands returns the commands find runs through -exec, -execdir,
// -ok and -okdir.
func findExecCommands(args []word) [][]word {
	var out [][]word
	for i := 0; i < len(args); i++ {
		switch args[i].value {
		case "-exec", "-execdir", "-ok", "-okdir":
		default:
			continue
		}
		j := i + 1
		for j < len(args) && args[j].value != ";" && args[j].value != "+" {
			j++
		}
		if j > i+1 {
			out = append(out, args[i+1:j])
		}
		i = j
	}
	return out
}
