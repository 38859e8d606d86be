package service

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned for malformed node paths.
var ErrInvalidPath = errors.New("invalid path")

// ValidatePath checks the node path rules: absolute, slash-delimited, no
// trailing slash except for the root, no empty "." or ".." segments and no
// NUL or control characters.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path must not be empty", ErrInvalidPath)
	}
	if path[0] != '/' {
		return fmt.Errorf("%w: %q must start with /", ErrInvalidPath, path)
	}
	if path == "/" {
		return nil
	}
	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: %q must not end with /", ErrInvalidPath, path)
	}
	for i, seg := range strings.Split(path[1:], "/") {
		switch seg {
		case "":
			return fmt.Errorf("%w: %q has an empty segment at %d", ErrInvalidPath, path, i)
		case ".", "..":
			return fmt.Errorf("%w: %q has a relative segment %q", ErrInvalidPath, path, seg)
		}
	}
	for i, r := range path {
		if r == 0 || (r > 0x00 && r <= 0x1f) || (r >= 0x7f && r <= 0x9f) ||
			(r >= 0xd800 && r <= 0xf8ff) || (r >= 0xfff0 && r <= 0xffff) {
			return fmt.Errorf("%w: %q has an invalid character at %d", ErrInvalidPath, path, i)
		}
	}
	return nil
}

// JoinPath joins parent and child with exactly one slash.
func JoinPath(parent, child string) string {
	child = strings.TrimPrefix(child, "/")
	if parent == "" || parent == "/" {
		return "/" + child
	}
	if child == "" {
		return parent
	}
	return strings.TrimSuffix(parent, "/") + "/" + child
}

// ParentPath returns the parent of path, or "" for the root.
func ParentPath(path string) string {
	if path == "/" || path == "" {
		return ""
	}
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// NodeName returns the final segment of path.
func NodeName(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}
