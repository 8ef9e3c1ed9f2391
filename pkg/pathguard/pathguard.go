// Package pathguard canonicalizes filesystem paths before they are authorized.
//
// Rules are matched against the symlink-free absolute path, never the literal
// argument: a permitted name can be a symlink to a denied file. The resolved
// Token carries the identity of the file it was checked against so the check
// can be repeated, or enforced on an open handle, right before use.
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxLinks bounds symlink hops while resolving a dangling tail.
const maxLinks = 40

// ErrChanged reports that a path no longer resolves to what was checked.
var ErrChanged = errors.New("path changed since it was checked")

// ResolutionError is returned when a path cannot be canonicalized or no
// longer matches its token.
type ResolutionError struct {
	Path string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Resolver turns tool arguments into absolute canonical paths.
type Resolver struct {
	// Workspace anchors relative paths.
	Workspace string

	// Home expands a leading "~". Empty leaves "~" unresolvable.
	Home string
}

// NewResolver returns a resolver for relative paths under workspace.
func NewResolver(workspace string) *Resolver {
	return &Resolver{Workspace: workspace}
}

// Token is the result of resolving one path argument.
type Token struct {
	// Arg is the argument as received.
	Arg string

	// Literal is the cleaned absolute form of Arg, before symlink resolution.
	Literal string

	// Canonical is the absolute path with every symlink resolved.
	Canonical string

	// Traversal is set when Arg used ".." segments or /proc/self.
	Traversal bool

	resolver *Resolver
	info     fs.FileInfo
}

// Exists reports whether the canonical path existed at resolution time.
func (t *Token) Exists() bool { return t.info != nil }

// Redirected reports whether symlinks changed the path.
func (t *Token) Redirected() bool { return t.Literal != t.Canonical }

// Keys returns the rule keys for access ("read" or "write"). keys carries the
// canonical path; denyOnly carries the literal spelling when it differs, so a
// deny on either name applies while only the real target can be allowed.
func (t *Token) Keys(access string) (keys, denyOnly []string) {
	keys = []string{access + ":" + t.Canonical}
	if t.Redirected() {
		denyOnly = []string{access + ":" + t.Literal}
	}
	return keys, denyOnly
}

// Resolve canonicalizes path. A missing tail is resolved through its deepest
// existing ancestor so files about to be created are checked where they will
// actually land.
func (r *Resolver) Resolve(path string) (*Token, error) {
	if path == "" {
		return nil, &ResolutionError{Path: path, Err: errors.New("empty path")}
	}
	if strings.ContainsRune(path, 0) {
		return nil, &ResolutionError{Path: path, Err: errors.New("NUL byte in path")}
	}

	abs := path
	switch {
	case path == "~" || strings.HasPrefix(path, "~/"):
		if r.Home == "" {
			return nil, &ResolutionError{Path: path, Err: errors.New("home directory unknown")}
		}
		abs = filepath.Join(r.Home, strings.TrimPrefix(path, "~"))
	case !filepath.IsAbs(path):
		if r.Workspace == "" {
			return nil, &ResolutionError{Path: path, Err: errors.New("relative path without a workspace")}
		}
		abs = filepath.Join(r.Workspace, path)
	}
	literal := filepath.Clean(abs)

	canonical, err := canonicalize(literal)
	if err != nil {
		return nil, &ResolutionError{Path: path, Err: err}
	}

	t := &Token{
		Arg:       path,
		Literal:   literal,
		Canonical: canonical,
		Traversal: HasTraversal(path),
		resolver:  r,
	}
	if info, err := os.Lstat(canonical); err == nil {
		t.info = info
	}
	return t, nil
}

// canonicalize resolves every symlink in path, including a dangling final
// link, and keeps any missing tail lexically.
func canonicalize(path string) (string, error) {
	var tail []string
	p := path
	for hops := 0; ; {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		// A dangling symlink points somewhere that does not exist yet.
		// Follow it by hand so a create lands where it is checked.
		if info, lerr := os.Lstat(p); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			hops++
			if hops > maxLinks {
				return "", fmt.Errorf("too many levels of symbolic links")
			}
			target, err := os.Readlink(p)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(p), target)
			}
			p = filepath.Clean(target)
			continue
		}

		parent := filepath.Dir(p)
		if parent == p {
			return filepath.Join(append([]string{p}, tail...)...), nil
		}
		tail = append([]string{filepath.Base(p)}, tail...)
		p = parent
	}
}

// HasTraversal reports ".." segments or /proc/self references in path.
func HasTraversal(path string) bool {
	normalized := strings.ReplaceAll(path, `\`, "/")
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return true
		}
	}
	return strings.Contains(normalized, "/proc/self/") || strings.HasSuffix(normalized, "/proc/self")
}

// Revalidate resolves the argument again and fails with ErrChanged if it now
// lands somewhere else or on a different file.
func (t *Token) Revalidate() error {
	if t.resolver == nil {
		return &ResolutionError{Path: t.Arg, Err: errors.New("token was not produced by a resolver")}
	}
	fresh, err := t.resolver.Resolve(t.Arg)
	if err != nil {
		return err
	}
	if fresh.Canonical != t.Canonical {
		return &ResolutionError{Path: t.Arg, Err: fmt.Errorf("%w: now resolves to %s", ErrChanged, fresh.Canonical)}
	}
	switch {
	case t.info == nil:
		// Created since the check; it landed at the checked path.
	case fresh.info == nil:
		return &ResolutionError{Path: t.Arg, Err: fmt.Errorf("%w: file was removed", ErrChanged)}
	case !os.SameFile(t.info, fresh.info):
		return &ResolutionError{Path: t.Arg, Err: fmt.Errorf("%w: file was replaced", ErrChanged)}
	}
	return nil
}

// Open opens the canonical path without following a final symlink and
// verifies the handle refers to the checked file.
func (t *Token) Open(flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(t.Canonical, flag|noFollow, perm)
	if err != nil {
		return nil, &ResolutionError{Path: t.Arg, Err: err}
	}
	if t.info == nil {
		return f, nil
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, &ResolutionError{Path: t.Arg, Err: err}
	}
	if !os.SameFile(t.info, info) {
		_ = f.Close()
		return nil, &ResolutionError{Path: t.Arg, Err: fmt.Errorf("%w: file was replaced", ErrChanged)}
	}
	return f, nil
}
