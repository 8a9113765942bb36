package fsutil

import (
	"path"
	"path/filepath"
	"strings"

	"minas/internal/apperr"
)

// CleanRelPath takes a client path like "", ".", "/a/b", "a//b" or "a\\b" and
// returns a slash-based relative path with no leading slash ("" means root).
// Leading ".." segments are clamped at the root, so it is only a lexical
// normalizer; Resolve is the traversal check.
func CleanRelPath(p string) string {
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Resolve maps a client-supplied virtual path onto an absolute path that is
// guaranteed to be root itself or to live below it.
//
// The joined path is cleaned and then every existing leading segment is run
// through symlink evaluation, so a link inside the tree that points outside of
// it is rejected the same way a literal ".." is.
func Resolve(root, virtualPath string) (string, error) {
	if strings.ContainsRune(virtualPath, 0) {
		return "", apperr.InvalidInput("Access denied: Invalid characters detected")
	}
	rootCanon, err := Canonical(root)
	if err != nil {
		return "", apperr.IOFailure("resolve root", err)
	}
	joined := filepath.Join(rootCanon, filepath.FromSlash(strings.ReplaceAll(virtualPath, "\\", "/")))
	target, err := Canonical(joined)
	if err != nil {
		return "", apperr.IOFailure("resolve path", err)
	}
	if !Within(rootCanon, target) {
		return "", apperr.AccessDenied("Access denied: Directory traversal detected")
	}
	return target, nil
}

// Within reports whether p equals root or has root as a proper ancestor. Both
// arguments must already be clean absolute paths.
func Within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// Canonical returns the absolute, cleaned form of p with symlinks resolved for
// the longest prefix that can be evaluated on disk. The remaining tail is
// appended as-is, which is what callers creating new files or directories
// need; it is already free of "." and ".." after cleaning.
func Canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	existing := abs
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			parts := append([]string{resolved}, tail...)
			return filepath.Clean(filepath.Join(parts...)), nil
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			// nothing on the path exists; fall back to the lexical form
			return abs, nil
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}
}

// SafeName validates a single path element supplied by a client (an upload
// file name or a new folder name) and returns its base name.
func SafeName(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", apperr.InvalidInput("Access denied: Invalid characters detected")
	}
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", apperr.InvalidInput("Invalid file name")
	}
	return name, nil
}
