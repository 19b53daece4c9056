// Package treebuilder indexes a local directory as a sha1dir document:
// {"files": {name: {size, sha1}}, "dirs": {name: {...}}}. Every file is
// stored first; the index itself is stored as a JSON blob.
package treebuilder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"kachery/pkg/ignore"
	"kachery/pkg/types"

	"go.uber.org/zap"
)

var ErrNoSuchEntry = errors.New("no such entry in directory index")

type FileEntry struct {
	Size int64      `json:"size"`
	Sha1 types.Hash `json:"sha1"`
}

// Dir is one level of a sha1dir index.
type Dir struct {
	Files map[string]FileEntry `json:"files"`
	Dirs  map[string]*Dir      `json:"dirs"`
}

func newDir() *Dir {
	return &Dir{Files: map[string]FileEntry{}, Dirs: map[string]*Dir{}}
}

// addFile inserts p ("a/b/c.txt"), creating intermediate dirs.
func (d *Dir) addFile(p string, e FileEntry) {
	parts := strings.Split(p, "/")
	current := d
	for _, part := range parts[:len(parts)-1] {
		next, ok := current.Dirs[part]
		if !ok {
			next = newDir()
			current.Dirs[part] = next
		}
		current = next
	}
	current.Files[parts[len(parts)-1]] = e
}

// addDir makes sure the directory p exists in the index, even when empty.
func (d *Dir) addDir(p string) {
	current := d
	for _, part := range strings.Split(p, "/") {
		next, ok := current.Dirs[part]
		if !ok {
			next = newDir()
			current.Dirs[part] = next
		}
		current = next
	}
}

// Lookup resolves a slash-separated file path inside the index.
func (d *Dir) Lookup(p string) (FileEntry, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return FileEntry{}, fmt.Errorf("%w: empty path", ErrNoSuchEntry)
	}
	parts := strings.Split(p, "/")
	current := d
	for _, part := range parts[:len(parts)-1] {
		next, ok := current.Dirs[part]
		if !ok || next == nil {
			return FileEntry{}, fmt.Errorf("%w: %s", ErrNoSuchEntry, p)
		}
		current = next
	}
	e, ok := current.Files[parts[len(parts)-1]]
	if !ok {
		return FileEntry{}, fmt.Errorf("%w: %s", ErrNoSuchEntry, p)
	}
	return e, nil
}

// FileStorer stores one local file and returns its digest.
type FileStorer func(ctx context.Context, path string) (types.Hash, error)

// IndexStorer stores the finished index document.
type IndexStorer func(ctx context.Context, index *Dir) (types.Hash, error)

type Builder struct {
	storeFile  FileStorer
	storeIndex IndexStorer
	log        *zap.Logger
}

func NewBuilder(storeFile FileStorer, storeIndex IndexStorer, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{storeFile: storeFile, storeIndex: storeIndex, log: log.Named("treebuilder")}
}

// Build walks root, skipping what <root>/.kacheryignore and the default
// rules exclude, and returns the digest of the stored index.
func (b *Builder) Build(ctx context.Context, root string) (types.Hash, *Dir, error) {
	matcher, err := ignore.NewMatcher(root)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read ignore rules: %w", err)
	}

	index := newDir()
	err = filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matcher.Matches(rel) {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case de.IsDir():
			index.addDir(rel)
		case de.Type().IsRegular():
			info, err := de.Info()
			if err != nil {
				return err
			}
			h, err := b.storeFile(ctx, p)
			if err != nil {
				return fmt.Errorf("failed to store %s: %w", rel, err)
			}
			index.addFile(rel, FileEntry{Size: info.Size(), Sha1: h})
			b.log.Debug("stored", zap.String("path", rel), zap.Stringer("hash", h))
		default:
			b.log.Warn("skipping non-regular file", zap.String("path", rel))
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	h, err := b.storeIndex(ctx, index)
	if err != nil {
		return "", nil, fmt.Errorf("failed to store directory index: %w", err)
	}
	return h, index, nil
}
