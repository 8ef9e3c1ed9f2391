// Package shell classifies command lines before they reach a shell.
//
// A command line is parsed with the bash grammar and walked statement by
// statement: pipelines, lists, subshells, blocks, conditionals, loops and
// function bodies. Every simple command is reduced to the executable the shell
// would run, after quote removal, literal variable substitution and wrapper
// unwrapping (env, sudo, xargs, ...).
//
// Anything that cannot be resolved statically makes the result Ambiguous.
// The classifier is a first line of defense and observability; it is not a
// sandbox, and deployments pair it with OS-level enforcement.
package shell

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// Verdict is the classifier's view of a command line.
type Verdict int

const (
	// Resolved means every executable was determined statically.
	Resolved Verdict = iota

	// Ambiguous means at least one construct could not be resolved.
	Ambiguous
)

func (v Verdict) String() string {
	if v == Ambiguous {
		return "ambiguous"
	}
	return "resolved"
}

// ErrAmbiguous is wrapped by Result.Err for ambiguous command lines.
var ErrAmbiguous = errors.New("ambiguous command line")

// Access is how a command touches a path argument.
type Access int

const (
	AccessAny Access = iota
	AccessRead
	AccessWrite
)

// PathRef is a path-like argument or redirection target.
type PathRef struct {
	Path   string
	Access Access
}

// Result is the outcome of Classify.
type Result struct {
	Verdict  Verdict
	Commands []Command

	// Paths lists path-like arguments and redirection targets.
	Paths []PathRef

	// Network holds method and URL hints for curl and wget invocations.
	Network []NetworkHint

	// Reasons explains an Ambiguous verdict.
	Reasons []string

	// Indirect is set when a command name came from a variable.
	Indirect bool

	// Interpreters lists general-purpose interpreters the line invokes.
	Interpreters []string
}

// Err returns nil for a resolved line and an error wrapping ErrAmbiguous
// otherwise.
func (r Result) Err() error {
	if r.Verdict != Ambiguous {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(r.Reasons, "; "))
}

func (r *Result) ambiguous(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	for _, existing := range r.Reasons {
		if existing == reason {
			return
		}
	}
	r.Verdict = Ambiguous
	r.Reasons = append(r.Reasons, reason)
}

// Classifier parses command lines and resolves their executables.
type Classifier struct {
	resolver *Resolver
}

// NewClassifier returns a classifier resolving names through r. A nil
// resolver uses DefaultPath.
func NewClassifier(r *Resolver) *Classifier {
	if r == nil {
		r = NewResolver(DefaultPath)
	}
	return &Classifier{resolver: r}
}

var defaultClassifier = NewClassifier(nil)

// Classify runs the default classifier.
func Classify(command string) Result {
	return defaultClassifier.Classify(command)
}

// Classify decomposes command into the executables a shell would invoke.
func (c *Classifier) Classify(command string) Result {
	var res Result
	if strings.TrimSpace(command) == "" {
		return res
	}
	for _, r := range command {
		if r < 0x20 && r != '\n' && r != '\t' {
			res.ambiguous("control character %U in command line", r)
			break
		}
	}
	scanObfuscation(&res, command)

	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		res.ambiguous("parse error: %v", err)
		return res
	}

	w := &walker{c: c, res: &res, vars: make(map[string]string)}
	w.stmts(file.Stmts)
	return res
}

// scanObfuscation flags text-level signals that survive parsing unchanged.
func scanObfuscation(res *Result, command string) {
	lower := strings.ToLower(command)
	if strings.Contains(lower, "/proc/self/exe") || strings.Contains(lower, "/proc/self/fd") {
		res.ambiguous("reference to /proc/self")
	}
	if strings.Contains(lower, "printf") && strings.Contains(lower, `\x`) {
		res.ambiguous("printf with hex escapes")
	}
}

// walker carries state across the statements of one command line.
type walker struct {
	c   *Classifier
	res *Result

	// vars holds variables assigned a literal value earlier in the line.
	vars map[string]string
}

func (w *walker) stmts(stmts []*syntax.Stmt) {
	for _, s := range stmts {
		w.stmt(s)
	}
}

func (w *walker) stmt(s *syntax.Stmt) {
	if s == nil {
		return
	}
	if s.Coprocess {
		w.res.ambiguous("coprocess")
	}
	w.redirects(s.Redirs)

	switch cmd := s.Cmd.(type) {
	case nil:
	case *syntax.CallExpr:
		w.call(cmd)
	case *syntax.BinaryCmd:
		w.stmt(cmd.X)
		first := len(w.res.Commands)
		w.stmt(cmd.Y)
		if (cmd.Op == syntax.Pipe || cmd.Op == syntax.PipeAll) && first < len(w.res.Commands) {
			if IsInterpreter(w.res.Commands[first].Base()) {
				w.res.ambiguous("input piped into interpreter %s", w.res.Commands[first].Base())
			}
		}
	case *syntax.Subshell:
		w.stmts(cmd.Stmts)
	case *syntax.Block:
		w.stmts(cmd.Stmts)
	case *syntax.IfClause:
		for clause := cmd; clause != nil; clause = clause.Else {
			w.stmts(clause.Cond)
			w.stmts(clause.Then)
		}
	case *syntax.WhileClause:
		w.stmts(cmd.Cond)
		w.stmts(cmd.Do)
	case *syntax.ForClause:
		if wi, ok := cmd.Loop.(*syntax.WordIter); ok {
			delete(w.vars, wi.Name.Value)
			for _, item := range wi.Items {
				w.scanWord(item)
			}
		}
		w.stmts(cmd.Do)
	case *syntax.CaseClause:
		w.scanWord(cmd.Word)
		for _, item := range cmd.Items {
			w.stmts(item.Stmts)
		}
	case *syntax.FuncDecl:
		w.stmt(cmd.Body)
	case *syntax.DeclClause:
		w.declare(cmd)
	case *syntax.TimeClause:
		w.stmt(cmd.Stmt)
	case *syntax.CoprocClause:
		w.res.ambiguous("coprocess")
		w.stmt(cmd.Stmt)
	case *syntax.ArithmCmd, *syntax.LetClause, *syntax.TestClause:
		w.scanNode(cmd)
	default:
		w.res.ambiguous("unsupported construct %T", cmd)
	}
}

func (w *walker) redirects(redirs []*syntax.Redirect) {
	for _, r := range redirs {
		switch r.Op {
		case syntax.Hdoc, syntax.DashHdoc:
			w.res.ambiguous("here-document")
			continue
		case syntax.WordHdoc:
			w.res.ambiguous("here-string")
			continue
		case syntax.DplIn, syntax.DplOut:
			continue
		}
		if r.Word == nil {
			continue
		}
		w.scanWord(r.Word)
		target, ok, _ := w.literal(r.Word)
		if !ok {
			w.res.ambiguous("unresolved redirection target")
			continue
		}
		if x := w.expansion(r.Word); x.glob || x.brace || x.split {
			w.res.ambiguous("redirection target %q expands", target)
			continue
		}
		access := AccessWrite
		switch r.Op {
		case syntax.RdrIn:
			access = AccessRead
		case syntax.RdrInOut:
			access = AccessAny
		}
		w.res.Paths = append(w.res.Paths, PathRef{Path: target, Access: access})
	}
}

func (w *walker) declare(d *syntax.DeclClause) {
	for _, a := range d.Args {
		if a.Name == nil {
			if a.Value != nil {
				w.scanWord(a.Value)
			}
			continue
		}
		w.assign(a, true)
	}
}

// assign records a literal assignment. persist is false for assignments that
// prefix a command and only apply to its environment.
func (w *walker) assign(a *syntax.Assign, persist bool) {
	name := a.Name.Value
	checkSensitiveVar(w.res, name)
	if a.Value != nil {
		w.scanWord(a.Value)
	}
	if a.Array != nil {
		w.scanNode(a.Array)
	}
	if !persist {
		return
	}
	if a.Value == nil || a.Append || a.Index != nil || a.Array != nil {
		delete(w.vars, name)
		return
	}
	if v, ok, _ := w.literal(a.Value); ok {
		w.vars[name] = v
	} else {
		delete(w.vars, name)
	}
}

// checkSensitiveVar flags assignments that change how names resolve to code.
func checkSensitiveVar(res *Result, name string) {
	if sensitiveVars[name] {
		res.ambiguous("%s assignment", name)
	}
}

func (w *walker) call(call *syntax.CallExpr) {
	if len(call.Args) == 0 {
		for _, a := range call.Assigns {
			w.assign(a, true)
		}
		return
	}
	for _, a := range call.Assigns {
		w.assign(a, false)
	}

	words := make([]word, 0, len(call.Args))
	for _, arg := range call.Args {
		w.scanWord(arg)
		v, ok, indirect := w.literal(arg)
		if !ok {
			v = printWord(arg)
		}
		words = append(words, word{value: v, ok: ok, indirect: indirect, expansion: w.expansion(arg)})
	}
	w.command(words)
}

// word is one argument after quote removal.
type word struct {
	value    string
	ok       bool
	indirect bool
	expansion
}

// expansion records what the shell would still do to a word after quote
// removal.
type expansion struct {
	glob  bool
	brace bool

	// split is set when an unquoted variable holds whitespace.
	split bool
}

func values(words []word) []string {
	out := make([]string, len(words))
	for i, wd := range words {
		out[i] = wd.value
	}
	return out
}

// command records a simple command, unwrapping wrappers recursively.
func (w *walker) command(words []word) {
	if len(words) == 0 {
		return
	}
	name := words[0]
	if !name.ok {
		w.res.ambiguous("unresolved command name %s", name.value)
		return
	}
	if name.value == "" {
		w.res.ambiguous("empty command name")
		return
	}
	if name.glob {
		w.res.ambiguous("glob in command name %q", name.value)
		return
	}
	if name.brace {
		w.res.ambiguous("brace expansion in command name %q", name.value)
		return
	}
	if name.split {
		w.res.ambiguous("word splitting in command name %q", name.value)
		return
	}
	if name.indirect {
		w.res.Indirect = true
	}

	cmd := Command{
		Name:     name.value,
		Args:     values(words[1:]),
		Path:     w.c.resolver.Resolve(name.value),
		Indirect: name.indirect,
	}
	base := cmd.Base()

	switch base {
	case "eval", "source", ".", "alias", "trap", "enable", "hash", "fc":
		w.res.ambiguous("%s builtin", base)
	}

	if spec, ok := wrappers[base]; ok {
		inner, err := spec.unwrap(words[1:])
		if err != nil {
			w.res.ambiguous("%s: %v", base, err)
		}
		if base == "xargs" {
			if len(inner) == 0 {
				inner = []word{{value: "echo", ok: true}}
			}
			w.res.ambiguous("xargs appends arguments read from its input")
		}
		cmd.Wrapper = len(inner) > 0
		w.res.Commands = append(w.res.Commands, cmd)
		w.command(inner)
		return
	}

	w.res.Commands = append(w.res.Commands, cmd)
	if IsInterpreter(base) || resolvesToInterpreter(cmd.Path) {
		w.res.Interpreters = append(w.res.Interpreters, base)
	}

	w.pathArgs(words[1:])
	if hint, ok := networkHint(base, cmd.Args); ok {
		w.res.Network = append(w.res.Network, hint)
	}
	if base == "find" {
		for _, sub := range findExecCommands(words[1:]) {
			for _, a := range sub[1:] {
				if strings.Contains(a.value, "{}") {
					w.res.ambiguous("find runs %s on the paths it matches", sub[0].value)
					break
				}
			}
			w.command(sub)
		}
	}
}

// resolvesToInterpreter catches aliases such as sh -> dash. Multi-call
// binaries are excluded: on busybox systems every utility links to it.
func resolvesToInterpreter(path string) bool {
	if path == "" {
		return false
	}
	base := filepath.Base(path)
	return base != "busybox" && IsInterpreter(base)
}

func (w *walker) pathArgs(args []word) {
	for _, wd := range args {
		a := wd.value
		if wd.split {
			w.res.ambiguous("word splitting in argument %q", a)
			continue
		}
		if strings.HasPrefix(a, "-") || strings.HasPrefix(a, "+") {
			if i := strings.IndexByte(a, '='); i >= 0 {
				a = a[i+1:]
			} else {
				continue
			}
		} else if i := strings.IndexByte(a, '='); i > 0 && !strings.Contains(a[:i], "/") {
			// dd-style key=value operands
			a = a[i+1:]
		}
		a = strings.TrimPrefix(a, "@")
		if !isPathLike(a) {
			continue
		}
		if wd.glob || wd.brace {
			w.res.ambiguous("pattern in path argument %q", a)
			for _, p := range expandPath(a) {
				w.res.Paths = append(w.res.Paths, PathRef{Path: p, Access: AccessAny})
			}
			continue
		}
		w.res.Paths = append(w.res.Paths, PathRef{Path: a, Access: AccessAny})
	}
}

// maxExpansions bounds how many paths a pattern argument contributes.
const maxExpansions = 64

// expandPath lists what an absolute pattern names on this host, so that deny
// rules still see the files behind an ambiguous line. Relative patterns
// depend on the shell's directory and are not expanded.
func expandPath(pattern string) []string {
	if !strings.HasPrefix(pattern, "/") {
		return nil
	}
	candidates := []string{pattern}
	if strings.Count(pattern, "{") <= 4 && !strings.Contains(pattern, "..") {
		lit := &syntax.Word{Parts: []syntax.WordPart{&syntax.Lit{Value: pattern}}}
		if syntax.SplitBraces(lit) {
			candidates = candidates[:0]
			for _, wd := range expand.Braces(lit) {
				candidates = append(candidates, wd.Lit())
			}
		}
	}

	var out []string
	for _, c := range candidates {
		if len(out) >= maxExpansions {
			break
		}
		if !hasGlob(c) {
			out = append(out, c)
			continue
		}
		matches, err := filepath.Glob(c)
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	if len(out) > maxExpansions {
		out = out[:maxExpansions]
	}
	return out
}

// expansion reports whether the shell would glob, brace-expand or split
// word. Quoted and escaped characters do not count.
func (w *walker) expansion(word *syntax.Word) expansion {
	var x expansion
	var plain strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			plain.WriteString(maskEscapes(p.Value))
		case *syntax.ParamExp:
			if v, ok := w.lookup(p); ok {
				x.glob = x.glob || hasGlob(v)
				x.split = x.split || strings.ContainsAny(v, " \t\n")
			}
			plain.WriteByte('_')
		case *syntax.ExtGlob:
			x.glob = true
		default:
			plain.WriteByte('_')
		}
	}
	s := plain.String()
	x.glob = x.glob || hasGlob(s)
	x.brace = hasBrace(s)
	return x
}

// maskEscapes replaces backslash-escaped characters so they cannot read as
// pattern syntax.
func maskEscapes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	b := []byte(s)
	for i := 0; i < len(b); i++ {
		if b[i] == '\\' {
			b[i] = '_'
			if i+1 < len(b) {
				b[i+1] = '_'
				i++
			}
		}
	}
	return string(b)
}

func hasGlob(s string) bool {
	if strings.ContainsAny(s, "*?") {
		return true
	}
	i := strings.IndexByte(s, '[')
	return i >= 0 && strings.IndexByte(s[i+1:], ']') >= 0
}

// hasBrace matches {a,b} and {x..y}.
func hasBrace(s string) bool {
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			return false
		}
		s = s[open+1:]
		end := strings.IndexByte(s, '}')
		if end < 0 {
			return false
		}
		body := s[:end]
		if i := strings.LastIndexByte(body, '{'); i >= 0 {
			body = body[i+1:]
		}
		if strings.Contains(body, ",") || strings.Contains(body, "..") {
			return true
		}
	}
}

func isPathLike(s string) bool {
	if s == "" || strings.Contains(s, "://") {
		return false
	}
	switch {
	case s == "~", s == ".", s == "..":
		return true
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "~/"), strings.HasPrefix(s, "./"), strings.HasPrefix(s, "../"):
		return true
	}
	return strings.Contains(s, "/") && !strings.Contains(s, "@") && !strings.Contains(s, ":")
}

// scanWord walks a word for command and process substitutions. Their
// statements are classified too so that the commands inside are visible to
// the policy, but the line as a whole becomes Ambiguous.
func (w *walker) scanWord(word *syntax.Word) {
	if word == nil {
		return
	}
	w.scanNode(word)
}

func (w *walker) scanNode(node syntax.Node) {
	syntax.Walk(node, func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.CmdSubst:
			w.res.ambiguous("command substitution")
			w.stmts(n.Stmts)
			return false
		case *syntax.ProcSubst:
			w.res.ambiguous("process substitution")
			w.stmts(n.Stmts)
			return false
		}
		return true
	})
}

// literal returns the value of word after quote removal and substitution of
// literal variables. ok is false when the value depends on anything else.
func (w *walker) literal(word *syntax.Word) (value string, ok, indirect bool) {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(unescape(p.Value, false))
		case *syntax.SglQuoted:
			if p.Dollar && strings.Contains(p.Value, `\`) {
				return "", false, false
			}
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				switch ip := inner.(type) {
				case *syntax.Lit:
					sb.WriteString(unescape(ip.Value, true))
				case *syntax.ParamExp:
					v, found := w.lookup(ip)
					if !found {
						return "", false, false
					}
					sb.WriteString(v)
					indirect = true
				default:
					return "", false, false
				}
			}
		case *syntax.ParamExp:
			v, found := w.lookup(p)
			if !found {
				return "", false, false
			}
			sb.WriteString(v)
			indirect = true
		default:
			return "", false, false
		}
	}
	return sb.String(), true, indirect
}

func (w *walker) lookup(p *syntax.ParamExp) (string, bool) {
	if p.Param == nil || p.Excl || p.Length || p.Width || p.Index != nil ||
		p.Slice != nil || p.Repl != nil || p.Names != 0 || p.Exp != nil {
		return "", false
	}
	v, ok := w.vars[p.Param.Value]
	return v, ok
}

// unescape removes backslash quoting. Inside double quotes a backslash only
// escapes $, `, ", \ and newline.
func unescape(s string, quoted bool) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			sb.WriteByte(s[i])
			continue
		}
		next := s[i+1]
		if quoted && !strings.ContainsRune("$`\"\\\n", rune(next)) {
			sb.WriteByte(s[i])
			continue
		}
		i++
		if next != '\n' {
			sb.WriteByte(next)
		}
	}
	return sb.String()
}

func printWord(word *syntax.Word) string {
	var buf bytes.Buffer
	if err := syntax.NewPrinter(syntax.Minify(true)).Print(&buf, word); err != nil {
		return "?"
	}
	return buf.String()
}
