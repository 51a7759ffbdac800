// Package diff defines the changed-file records the migration pipeline
// consumes and a filesystem source that derives them from two snapshot
// trees.
package diff

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ChangeKind describes what happened to a snapshot file.
type ChangeKind string

const (
	Added    ChangeKind = "Added"
	Modified ChangeKind = "Modified"
	Deleted  ChangeKind = "Deleted"
)

// Entry is one changed per-object snapshot file. Added entries carry
// only NewText, Deleted entries only OldText.
type Entry struct {
	Path    string
	Kind    ChangeKind
	OldText string
	NewText string
}

// Source supplies the changed-file records for one run.
type Source interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// TreeSource derives entries by comparing two snapshot trees on disk:
// the previously committed state and the freshly extracted one. It
// stands in for version-control plumbing, which stays outside this
// core.
type TreeSource struct {
	OldRoot string
	NewRoot string
}

// NewTreeSource compares oldRoot (prior snapshot) against newRoot
// (current snapshot).
func NewTreeSource(oldRoot, newRoot string) *TreeSource {
	return &TreeSource{OldRoot: oldRoot, NewRoot: newRoot}
}

// Entries walks both trees and reports per-file changes, sorted by path
// so downstream processing is deterministic. Only .sql files below a
// servers/ subtree are considered.
func (s *TreeSource) Entries(ctx context.Context) ([]Entry, error) {
	oldFiles, err := collectFiles(s.OldRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read old snapshot tree: %w", err)
	}
	newFiles, err := collectFiles(s.NewRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read new snapshot tree: %w", err)
	}

	paths := make(map[string]struct{}, len(oldFiles)+len(newFiles))
	for p := range oldFiles {
		paths[p] = struct{}{}
	}
	for p := range newFiles {
		paths[p] = struct{}{}
	}
	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	var entries []Entry
	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		oldText, inOld := oldFiles[p]
		newText, inNew := newFiles[p]
		switch {
		case inOld && inNew:
			if oldText != newText {
				entries = append(entries, Entry{Path: p, Kind: Modified, OldText: oldText, NewText: newText})
			}
		case inNew:
			entries = append(entries, Entry{Path: p, Kind: Added, NewText: newText})
		default:
			entries = append(entries, Entry{Path: p, Kind: Deleted, OldText: oldText})
		}
	}
	return entries, nil
}

// collectFiles reads every snapshot .sql file below root, keyed by
// root-relative slash path. A missing root is an empty tree, which is
// how the first run against a fresh repository looks.
func collectFiles(root string) (map[string]string, error) {
	files := map[string]string{}
	if root == "" {
		return files, nil
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return files, nil
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".sql") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, "servers/") {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
