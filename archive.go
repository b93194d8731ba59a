package main

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"
)

// Expander flattens input items into entries.
type Expander struct {
	respectGitignore bool
	logger           *zap.Logger
}

func newExpander(cfg Config, logger *zap.Logger) *Expander {
	return &Expander{respectGitignore: cfg.RespectGitignore, logger: logger}
}

// Expand lists the entries of item in container order. A plain file yields one
// entry; an archive or directory yields one entry per regular file.
func (x *Expander) Expand(item InputItem) ([]Entry, error) {
	switch item.Kind() {
	case KindArchive:
		return x.expandZip(item)
	case KindDir:
		return x.expandDir(item)
	default:
		content := item.Content
		return []Entry{{
			Path:       item.Name,
			Size:       int64(len(content)),
			Unfiltered: item.Remote,
			open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(content)), nil
			},
		}}, nil
	}
}

func (x *Expander) expandZip(item InputItem) ([]Entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(item.Content), int64(len(item.Content)))
	if err != nil {
		return nil, &ArchiveReadError{Name: item.Name, Err: err}
	}

	var ignores *ignoreSet
	if x.respectGitignore {
		ignores = &ignoreSet{}
		for _, f := range zr.File {
			if f.FileInfo().IsDir() || !isGitignore(f.Name) {
				continue
			}
			if err := addZipIgnore(ignores, f); err != nil {
				x.logger.Warn("Skipping unreadable .gitignore", zap.String("item", item.Name), zap.String("path", f.Name), zap.Error(err))
			}
		}
	}

	entries := make([]Entry, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		zf := f
		entries = append(entries, Entry{
			Path:    zf.Name,
			Size:    int64(zf.UncompressedSize64),
			Ignored: ignores.matchFile(zf.Name),
			open:    zf.Open,
		})
	}
	return entries, nil
}

func addZipIgnore(ignores *ignoreSet, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	ignores.add(f.Name, rc)
	return nil
}

// expandDir walks a directory tree. Entry paths are prefixed with the root's base
// name so they read like archive entries; rules and .gitignore files see the path
// relative to the root. Excluded folders are still walked so each rejected file
// is counted, as it would be inside a zip.
func (x *Expander) expandDir(item InputItem) ([]Entry, error) {
	root := filepath.Clean(item.Root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, &ArchiveReadError{Name: item.Name, Err: err}
	}
	if !info.IsDir() {
		return nil, &ArchiveReadError{Name: item.Name, Err: fmt.Errorf("%s is not a directory", root)}
	}
	base := dirPrefix(item)

	var ignores *ignoreSet
	if x.respectGitignore {
		ignores = &ignoreSet{}
	}

	var entries []Entry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			x.logger.Warn("Error accessing path", zap.String("path", p), zap.Error(err))
			if d != nil && d.IsDir() && p != root {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if ignores != nil {
				loadDirIgnore(ignores, p, relDir(rel), x.logger)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel = filepath.ToSlash(rel)

		var size int64 = -1
		if fi, err := d.Info(); err == nil {
			size = fi.Size()
		}
		filePath := p
		entries = append(entries, Entry{
			Path:    path.Join(base, rel),
			Rel:     rel,
			Size:    size,
			Ignored: ignores.matchFile(rel),
			open: func() (io.ReadCloser, error) {
				return os.Open(filePath)
			},
		})
		return nil
	})
	if err != nil {
		return nil, &ArchiveReadError{Name: item.Name, Err: err}
	}
	return entries, nil
}

// relDir converts a walk-relative directory to the slash form used by ignore
// scopes, "" for the root.
func relDir(rel string) string {
	if rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// loadDirIgnore adds dir/.gitignore to ignores when present. entryDir is the slash
// path of dir relative to the item root.
func loadDirIgnore(ignores *ignoreSet, dir, entryDir string, logger *zap.Logger) {
	f, err := os.Open(filepath.Join(dir, ".gitignore"))
	if err != nil {
		return
	}
	defer f.Close()
	ignores.add(path.Join(entryDir, ".gitignore"), f)
	logger.Debug("Loaded .gitignore", zap.String("path", path.Join(entryDir, ".gitignore")))
}
