package simplestorage

import (
	"fmt"
	"strings"
)

// NormalizePath validates a logical file or directory path and returns its
// canonical form: forward slashes, no leading or trailing separator, no empty
// or "." segments. Empty paths, ".." segments, backslashes and NUL bytes are
// rejected with ErrInvalidPath.
func NormalizePath(p string) (string, error) {
	clean, err := normalize(p)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return "", fmt.Errorf("%w: path is empty", ErrInvalidPath)
	}
	return clean, nil
}

// NormalizeDir is NormalizePath for listing targets, where the empty string
// addresses the storage root.
func NormalizeDir(p string) (string, error) {
	return normalize(p)
}

func normalize(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: path contains NUL byte", ErrInvalidPath)
	}
	if strings.ContainsRune(p, '\\') {
		return "", fmt.Errorf("%w: path %q contains a backslash", ErrInvalidPath, p)
	}

	segments := strings.Split(p, "/")
	kept := segments[:0]
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: path %q contains a parent reference", ErrInvalidPath, p)
		}
		kept = append(kept, seg)
	}
	return strings.Join(kept, "/"), nil
}

// BaseName returns the last segment of a normalized path.
func BaseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// ParentDir returns the parent of a normalized path, "" for top-level entries.
func ParentDir(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

// Ancestors returns the proper ancestor directories of a normalized path,
// nearest last: "a/b/c.txt" gives ["a", "a/b"].
func Ancestors(p string) []string {
	var out []string
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}

// ChildPrefix returns the key prefix shared by every entry below dir.
func ChildPrefix(dir string) string {
	if dir == "" {
		return ""
	}
	return dir + "/"
}

// JoinPath joins normalized segments with the logical separator.
func JoinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
