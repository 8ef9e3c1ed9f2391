package shell

import (
	"path/filepath"
	"strings"
)

// Command is one simple command after quote removal.
type Command struct {
	// Name is the command word as the shell sees it, e.g. "rm" or "/bin/rm".
	Name string
	Args []string

	// Path is the absolute, symlink-free executable, or empty when the name
	// is not found on the resolver's PATH.
	Path string

	// Indirect is set when Name came from a variable.
	Indirect bool

	// Wrapper is set for commands that run their arguments as another
	// command (env, sudo, xargs, ...). The wrapped command follows it in
	// Result.Commands.
	Wrapper bool
}

// Base returns the last element of Name.
func (c Command) Base() string {
	return filepath.Base(c.Name)
}

// String returns the command line of c.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Candidates returns the spellings matched against allow, ask and deny rules:
// the command as written and with an absolute name reduced to its basename,
// each both as "cmd args" and as "cmd:args" split at every word boundary.
// "rm -rf /" yields "rm -rf /", "rm:-rf /", "rm -rf:/" and "rm -rf /:".
func (c Command) Candidates() []string {
	forms := []string{c.String()}
	if strings.Contains(c.Name, "/") {
		forms = appendUnique(forms, Command{Name: c.Base(), Args: c.Args}.String())
	}
	return splitForms(forms)
}

// DenyKeys returns extra spellings derived from the resolved executable.
// They are consulted for deny rules only, so an alias of a denied binary is
// caught without letting the alias grant anything.
func (c Command) DenyKeys() []string {
	if c.Path == "" {
		return nil
	}
	var forms []string
	if c.Path != c.Name {
		forms = append(forms, Command{Name: c.Path, Args: c.Args}.String())
	}
	if base := filepath.Base(c.Path); base != c.Base() {
		forms = appendUnique(forms, Command{Name: base, Args: c.Args}.String())
	}
	return splitForms(forms)
}

func splitForms(forms []string) []string {
	var out []string
	for _, form := range forms {
		out = appendUnique(out, form)
		words := strings.Fields(form)
		for i := 1; i <= len(words); i++ {
			out = appendUnique(out, strings.Join(words[:i], " ")+":"+strings.Join(words[i:], " "))
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// interpreters is the fixed set of general-purpose interpreters. Any of them
// can run arbitrary code passed on the command line, so they defeat
// command-level filtering.
var interpreters = map[string]struct{}{
	"sh": {}, "bash": {}, "dash": {}, "zsh": {}, "ksh": {}, "mksh": {}, "fish": {},
	"csh": {}, "tcsh": {}, "ash": {}, "busybox": {},
	"python": {}, "pypy": {}, "perl": {}, "ruby": {}, "irb": {},
	"node": {}, "nodejs": {}, "deno": {}, "bun": {},
	"php": {}, "lua": {}, "luajit": {}, "tclsh": {}, "wish": {},
	"osascript": {}, "pwsh": {}, "powershell": {}, "rscript": {},
}

// IsInterpreter reports whether name is a general-purpose interpreter.
// Version suffixes are ignored: "python3.12" and "perl5.36" match.
func IsInterpreter(name string) bool {
	name = strings.ToLower(filepath.Base(name))
	name = strings.TrimSuffix(name, ".exe")
	if _, ok := interpreters[name]; ok {
		return true
	}
	trimmed := strings.TrimRight(name, "0123456789.-")
	if trimmed == name || trimmed == "" {
		return false
	}
	_, ok := interpreters[trimmed]
	return ok
}
