package simplestorage

import (
	"iter"
	"path"
	"strings"
)

// ListOptions controls List.
type ListOptions struct {
	// Recursive descends into subdirectories and yields files only.
	Recursive bool
	// Limit caps the number of yielded entries. Zero means no limit.
	Limit int
	// Extensions restricts files to the given extensions (".txt" or "txt").
	Extensions []string
	// Exclude drops entries whose name or path matches. A "dir:" prefix
	// restricts the pattern to directories.
	Exclude []string
	// SkipDirectories drops directory entries from non-recursive listings.
	SkipDirectories bool
}

// ListOption configures ListOptions.
type ListOption func(*ListOptions)

func WithRecursive() ListOption {
	return func(o *ListOptions) { o.Recursive = true }
}

func WithLimit(n int) ListOption {
	return func(o *ListOptions) {
		if n > 0 {
			o.Limit = n
		}
	}
}

func WithExtensions(exts ...string) ListOption {
	return func(o *ListOptions) { o.Extensions = append(o.Extensions, exts...) }
}

func WithExclude(patterns ...string) ListOption {
	return func(o *ListOptions) { o.Exclude = append(o.Exclude, patterns...) }
}

func WithoutDirectories() ListOption {
	return func(o *ListOptions) { o.SkipDirectories = true }
}

// NewListOptions applies opts over the defaults.
func NewListOptions(opts ...ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Empty returns a sequence that yields nothing.
func Empty() iter.Seq2[Blob, error] {
	return func(func(Blob, error) bool) {}
}

// Failed returns a sequence that yields err once.
func Failed(err error) iter.Seq2[Blob, error] {
	return func(yield func(Blob, error) bool) {
		yield(nil, err)
	}
}

// GroupByPrefix turns a flat sequence of files into the entries of dir. In
// non-recursive mode files nested deeper than one level are folded into one
// synthetic Directory per distinct next segment, each yielded once. In
// recursive mode every file below dir is yielded and no directories are.
func GroupByPrefix(dir string, recursive bool, files iter.Seq2[*File, error]) iter.Seq2[Blob, error] {
	prefix := ChildPrefix(dir)
	return func(yield func(Blob, error) bool) {
		seen := make(map[string]struct{})
		for f, err := range files {
			if err != nil {
				yield(nil, err)
				return
			}
			if f == nil || !strings.HasPrefix(f.Path, prefix) {
				continue
			}
			rest := f.Path[len(prefix):]
			if rest == "" {
				continue
			}
			if recursive {
				if !yield(f, nil) {
					return
				}
				continue
			}
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				dirPath := prefix + rest[:i]
				if _, ok := seen[dirPath]; ok {
					continue
				}
				seen[dirPath] = struct{}{}
				if !yield(NewDirectory(dirPath), nil) {
					return
				}
				continue
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// ApplyListOptions filters seq by the extension, exclusion and directory
// settings of o and stops after o.Limit entries.
func ApplyListOptions(seq iter.Seq2[Blob, error], o ListOptions) iter.Seq2[Blob, error] {
	exts := o.extensionSet()

	return func(yield func(Blob, error) bool) {
		count := 0
		for b, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			if !o.keep(b, exts) {
				continue
			}
			if !yield(b, nil) {
				return
			}
			count++
			if o.Limit > 0 && count >= o.Limit {
				return
			}
		}
	}
}

// Matches reports whether b passes the extension, exclude and directory
// filters. Only b's path, name and kind are consulted, so backends can use it
// to skip entries before fetching their attributes.
func (o ListOptions) Matches(b Blob) bool {
	return o.keep(b, o.extensionSet())
}

func (o ListOptions) extensionSet() map[string]struct{} {
	exts := make(map[string]struct{}, len(o.Extensions))
	for _, ext := range o.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = struct{}{}
	}
	return exts
}

func (o ListOptions) keep(b Blob, exts map[string]struct{}) bool {
	if b.IsDir() {
		if o.Recursive || o.SkipDirectories {
			return false
		}
	} else if len(exts) > 0 {
		if _, ok := exts[strings.ToLower(path.Ext(b.BlobName()))]; !ok {
			return false
		}
	}
	for _, pattern := range o.Exclude {
		if dirPattern, ok := strings.CutPrefix(pattern, "dir:"); ok {
			if b.IsDir() && (b.BlobName() == dirPattern || b.BlobPath() == dirPattern) {
				return false
			}
			continue
		}
		if b.BlobName() == pattern || b.BlobPath() == pattern {
			return false
		}
	}
	return true
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Blob, error]) ([]Blob, error) {
	var out []Blob
	for b, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}
