// Package scan walks source trees and reports the files the extractor cares
// about, skipping dependency caches and test project fixtures.
package scan

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileVisit carries per-entry metadata to user callbacks.
type FileVisit struct {
	// Root-relative path using forward slashes (e.g., "srv/service.cds").
	Path string
	// Absolute filesystem path.
	AbsPath string
	// True when the entry is a directory.
	IsDir bool
	// Lowercased extension (e.g., ".cds"); empty for dirs or no-ext files.
	Ext string
	// File size in bytes; 0 for dirs or when stat fails.
	Size int64
}

// VisitFunc is invoked for every visited entry below the root.
type VisitFunc func(f FileVisit)

// Options tune a walk.
type Options struct {
	// IgnoreDirs are directory base names that are never entered.
	IgnoreDirs []string
	// IgnoreSuffixes skip directories whose base name ends with one of them.
	IgnoreSuffixes []string
	// MaxDepth limits descent; 0 means unlimited, 1 means root entries only.
	MaxDepth int
}

// DefaultOptions skips npm dependency trees, VCS metadata, the extractor's
// own install cache and *.testproj fixture directories.
func DefaultOptions() Options {
	return Options{
		IgnoreDirs:     []string{"node_modules", ".git", ".hg", ".svn", ".cds-extractor-cache"},
		IgnoreSuffixes: []string{".testproj"},
	}
}

func (o Options) skipDir(base string) bool {
	for _, d := range o.IgnoreDirs {
		if base == d {
			return true
		}
	}
	for _, s := range o.IgnoreSuffixes {
		if strings.HasSuffix(base, s) {
			return true
		}
	}
	return false
}

// Excluded reports whether a root-relative path passes through a directory
// the options would never enter.
func (o Options) Excluded(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || rel == "" {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if o.skipDir(seg) {
			return true
		}
	}
	return false
}

// Walk visits root depth-first in lexical order. Unreadable entries are
// skipped rather than aborting the walk; a missing root is returned as an error.
func Walk(root string, opts Options, cb VisitFunc) error {
	if _, err := os.Stat(root); err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if opts.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			if opts.MaxDepth > 0 && strings.Count(rel, "/")+1 >= opts.MaxDepth {
				if cb != nil {
					cb(FileVisit{Path: rel, AbsPath: path, IsDir: true})
				}
				return filepath.SkipDir
			}
		}
		var size int64
		if !d.IsDir() {
			if fi, e := d.Info(); e == nil {
				size = fi.Size()
			}
		}
		if cb != nil {
			ext := ""
			if !d.IsDir() {
				ext = strings.ToLower(filepath.Ext(rel))
			}
			cb(FileVisit{Path: rel, AbsPath: path, IsDir: d.IsDir(), Ext: ext, Size: size})
		}
		return nil
	})
}

// FilesWithExtensions walks root and returns root-relative paths of files
// whose extensions match any entry in exts. Extensions are case-insensitive
// and may be given with or without a leading dot.
func FilesWithExtensions(root string, exts []string, opts Options) ([]string, error) {
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	if len(allowed) == 0 {
		return nil, nil
	}
	var files []string
	err := Walk(root, opts, func(fv FileVisit) {
		if fv.IsDir {
			return
		}
		if _, ok := allowed[fv.Ext]; ok {
			files = append(files, fv.Path)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// FilesNamed returns root-relative paths of files whose base name is name.
func FilesNamed(root, name string, opts Options) ([]string, error) {
	var files []string
	err := Walk(root, opts, func(fv FileVisit) {
		if !fv.IsDir && filepath.Base(fv.Path) == name {
			files = append(files, fv.Path)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
