package shell

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath is the search path used when none is configured.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Resolver maps command names to executables the way the execution
// environment would: PATH lookup for bare names, then symlink resolution.
type Resolver struct {
	dirs []string
}

// NewResolver returns a resolver searching the directories of path, a
// colon-separated list as in $PATH. Relative entries are ignored.
func NewResolver(path string) *Resolver {
	r := &Resolver{}
	for _, dir := range filepath.SplitList(path) {
		if filepath.IsAbs(dir) {
			r.dirs = append(r.dirs, filepath.Clean(dir))
		}
	}
	return r
}

// Dirs returns the search directories.
func (r *Resolver) Dirs() []string {
	return append([]string(nil), r.dirs...)
}

// Resolve returns the absolute, symlink-free path of name, or "" when it
// cannot be found. Names containing a slash are not searched on PATH; relative
// ones cannot be resolved without the caller's working directory.
func (r *Resolver) Resolve(name string) string {
	if name == "" {
		return ""
	}
	if strings.Contains(name, "/") {
		if !filepath.IsAbs(name) {
			return ""
		}
		return canonical(filepath.Clean(name))
	}
	for _, dir := range r.dirs {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
			continue
		}
		return canonical(candidate)
	}
	return ""
}

func canonical(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	return resolved
}
