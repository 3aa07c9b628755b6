package fileserver

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var errOutsideRoot = errors.New("path escapes shared folder")

// cleanRel normalizes a client path to a slash-separated path relative to
// the share root. Leading dot-dot segments collapse at the root.
func cleanRel(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// resolve maps a client path to an absolute path inside root. Symlinks that
// lead outside the root are rejected.
func (s *Server) resolve(p string) (string, string, error) {
	rel := cleanRel(p)
	full := filepath.Join(s.root, filepath.FromSlash(rel))

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		// Missing paths are reported by the caller's own stat.
		return full, rel, nil
	}
	rootReal, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		rootReal = s.root
	}
	if !within(rootReal, resolved) {
		return "", "", errOutsideRoot
	}
	return full, rel, nil
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(os.PathSeparator)) {
		prefix += string(os.PathSeparator)
	}
	return strings.HasPrefix(p, prefix)
}

// relFromFull converts an absolute path under root back to a client path.
func (s *Server) relFromFull(full string) (string, bool) {
	rel, err := filepath.Rel(s.root, full)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "", true
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func joinRel(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
