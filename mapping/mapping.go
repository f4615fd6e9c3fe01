// Package mapping parses the textual DEST->SRC file mappings accepted by
// build-image into a structured request. Source files are stat'ed eagerly so
// that a bad mapping is rejected before any image bytes are produced.
package mapping

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

var (
	// ErrMalformed is returned for tokens that do not follow DEST->SRC, and
	// for destination paths that are empty or contain . or .. components.
	ErrMalformed = errors.New("malformed mapping")

	// ErrSourceNotFound is returned when a source path does not resolve to a
	// readable regular file.
	ErrSourceNotFound = errors.New("source file not found")

	// ErrDuplicateDest is returned when two mappings resolve to the same
	// destination path. FAT lookups are case-insensitive, so the comparison
	// folds case.
	ErrDuplicateDest = errors.New("duplicate destination path")
)

// FileEntry is one file to be placed on the boot volume.
type FileEntry struct {
	// Dest holds the destination path components relative to the volume
	// root, in the originally supplied case.
	Dest []string

	// Source is the host path the file contents are read from.
	Source string

	// Size is the source file length in bytes at parse time.
	Size uint64
}

// DestPath returns the destination joined with forward slashes.
func (e *FileEntry) DestPath() string {
	return strings.Join(e.Dest, "/")
}

// Request is a fully parsed build-image invocation.
type Request struct {
	Entries []FileEntry
	Output  string
}

// Parse interprets args as zero or more DEST->SRC mappings followed by the
// output image path. A single argument may bundle several mappings separated
// by semicolons. Source files are stat'ed through fsys.
func Parse(args []string, fsys afero.Fs) (*Request, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: missing output image path", ErrMalformed)
	}

	var tokens []string
	for _, arg := range args[:len(args)-1] {
		for _, tok := range strings.Split(arg, ";") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			tokens = append(tokens, tok)
		}
	}

	req := &Request{Output: args[len(args)-1]}
	seen := make(map[string]string) // case-folded dest -> first token that claimed it
	for _, tok := range tokens {
		dest, src, ok := strings.Cut(tok, "->")
		if !ok {
			return nil, fmt.Errorf("%w: %q (want DEST->SRC)", ErrMalformed, tok)
		}
		dest = strings.TrimSpace(dest)
		src = strings.TrimSpace(src)

		components, err := splitDest(dest)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrMalformed, tok, err)
		}

		folded := strings.ToUpper(strings.Join(components, "/"))
		if first, ok := seen[folded]; ok {
			return nil, fmt.Errorf("%w: %q already mapped as %q", ErrDuplicateDest, dest, first)
		}
		seen[folded] = dest

		fi, err := fsys.Stat(src)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrSourceNotFound, src, err)
		}
		if fi.IsDir() {
			return nil, fmt.Errorf("%w: %q is a directory", ErrSourceNotFound, src)
		}

		req.Entries = append(req.Entries, FileEntry{
			Dest:   components,
			Source: src,
			Size:   uint64(fi.Size()),
		})
	}
	return req, nil
}

// splitDest normalizes a destination path into its components. Backslashes
// are accepted as separators, a leading slash is ignored (destinations are
// always relative to the volume root).
func splitDest(dest string) ([]string, error) {
	dest = strings.ReplaceAll(dest, `\`, "/")
	dest = strings.TrimPrefix(dest, "/")
	if dest == "" {
		return nil, errors.New("empty destination path")
	}
	var components []string
	for _, c := range strings.Split(dest, "/") {
		switch c {
		case "":
			return nil, errors.New("empty path component")
		case ".", "..":
			return nil, fmt.Errorf("component %q not allowed", c)
		}
		components = append(components, c)
	}
	return components, nil
}
