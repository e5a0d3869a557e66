// Package workspace manages the sandboxed directory tree users browse and
// edit: path validation, file operations, flow documents and a read-only
// SQLite browser, plus the gin handlers that expose them under /api.
package workspace

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrOutsideRoot = errors.New("path is outside root directory")
	ErrNotFound    = errors.New("not found")
)

const invalidPathChars = `<>:"|?*`

// Sanitize resolves a user supplied, possibly URL-escaped path against root.
// The result is absolute, cleaned, symlink-resolved through its existing
// ancestors, and confined to root or one of the allowed prefixes.
func Sanitize(root, userPath string, allowed ...string) (string, error) {
	base, err := resolveRoot(root)
	if err != nil {
		return "", err
	}
	if userPath == "" || userPath == "/" {
		return base, nil
	}
	unescaped, err := url.PathUnescape(userPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	trimmed := strings.TrimSpace(unescaped)
	if trimmed == "" || trimmed == "/" {
		return base, nil
	}
	if strings.ContainsAny(trimmed, invalidPathChars) {
		return "", ErrInvalidPath
	}

	target := filepath.Join(base, filepath.FromSlash(strings.Trim(trimmed, "/")))
	target, err = resolvePath(target, 0)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if within(base, target) {
		return target, nil
	}
	for _, prefix := range allowed {
		if p, err := resolveRoot(prefix); err == nil && within(p, target) {
			return target, nil
		}
	}
	return "", ErrOutsideRoot
}

const maxLinkDepth = 255

// resolvePath follows symlinks like EvalSymlinks but tolerates a missing
// tail: the deepest existing ancestor is resolved and the rest rejoined,
// and a dangling leaf link is followed to the path it names.
func resolvePath(target string, depth int) (string, error) {
	if depth > maxLinkDepth {
		return "", errors.New("too many links")
	}
	resolved, err := filepath.EvalSymlinks(target)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if info, lerr := os.Lstat(target); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(target)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(filepath.Dir(target), dest)
		}
		return resolvePath(filepath.Clean(dest), depth+1)
	}
	parent := filepath.Dir(target)
	if parent == target {
		return target, nil
	}
	dir, err := resolvePath(parent, depth+1)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(target)), nil
}

func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Check lists what a request requires of a path.
type Check struct {
	MustExist    bool
	MustNotExist bool
	MustBeDir    bool
	MustBeFile   bool
	// Extension, when set, must equal the path's extension (".waldiez").
	Extension string
}

// PathError is a path problem with the HTTP status it maps to.
type PathError struct {
	Status int
	Detail string
	Err    error
}

func (e *PathError) Error() string { return e.Detail }
func (e *PathError) Unwrap() error { return e.Err }

func badRequest(detail string, err error) *PathError {
	return &PathError{Status: http.StatusBadRequest, Detail: detail, Err: err}
}

func notFound(detail string) *PathError {
	return &PathError{Status: http.StatusNotFound, Detail: detail, Err: ErrNotFound}
}

// CheckPath sanitizes userPath and enforces c, reporting failures as
// *PathError.
func CheckPath(root, userPath string, c Check) (string, error) {
	path, err := Sanitize(root, userPath)
	if err != nil {
		return "", badRequest("Error: Invalid path", err)
	}
	info, statErr := os.Stat(path)
	exists := statErr == nil
	thing := kindOf(c, info)

	switch {
	case c.MustExist && !exists:
		return "", notFound(fmt.Sprintf("Error: %s not found", thing))
	case c.MustNotExist && exists:
		return "", badRequest(fmt.Sprintf("Error: %s already exists", thing), nil)
	case c.MustBeDir && (!exists || !info.IsDir()):
		return "", badRequest("Error: Not a directory", nil)
	case c.MustBeFile && (!exists || !info.Mode().IsRegular()):
		return "", badRequest("Error: Not a file", nil)
	case c.Extension != "" && filepath.Ext(path) != c.Extension:
		return "", badRequest("Error: Invalid file type", nil)
	}
	return path, nil
}

func kindOf(c Check, info os.FileInfo) string {
	switch {
	case c.MustBeDir:
		return "Directory"
	case c.MustBeFile:
		return "File"
	case info != nil && info.IsDir():
		return "Directory"
	case info != nil:
		return "File"
	}
	return "Path"
}

// SafeWorkdir resolves a terminal working directory relative to root.
// Absolute or escaping paths are rejected; a missing directory falls back
// to root.
func SafeWorkdir(root, rel string) (string, error) {
	base, err := resolveRoot(root)
	if err != nil {
		return "", err
	}
	if rel == "" {
		return base, nil
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", ErrOutsideRoot
	}
	target := filepath.Join(base, filepath.FromSlash(rel))
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}
	if !within(base, target) {
		return "", ErrOutsideRoot
	}
	if info, err := os.Stat(target); err != nil || !info.IsDir() {
		return base, nil
	}
	return target, nil
}

// UniqueName returns name, or "name (n)" / "stem (n).ext" for the first n
// that does not exist in dir.
func UniqueName(dir, name string, folder bool) string {
	candidate := name
	for n := 1; ; n++ {
		if _, err := os.Lstat(filepath.Join(dir, candidate)); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		stem, ext := name, ""
		if !folder {
			if i := strings.LastIndexByte(name, '.'); i > 0 {
				stem, ext = name[:i], name[i:]
			}
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
}

// Relative returns path relative to root with forward slashes.
func Relative(root, path string) string {
	base, err := resolveRoot(root)
	if err != nil {
		base = root
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
