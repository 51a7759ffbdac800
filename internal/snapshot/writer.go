// Package snapshot writes a full schema dump as a one-file-per-object
// tree and maps snapshot paths back to object descriptors.
package snapshot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/trellen/sqlmigra/internal/sqlparse"
)

// Writer splits a schema dump into per-object files under
// <Root>/servers/<Server>/<Database>.
type Writer struct {
	Root     string
	Server   string
	Database string
	Logger   *slog.Logger
}

// NewWriter creates a snapshot writer rooted at dir.
func NewWriter(dir, server, database string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{Root: dir, Server: server, Database: database, Logger: logger}
}

// Report summarizes one snapshot write.
type Report struct {
	Batches      int
	Recognized   int
	Unrecognized int
	Files        []string // snapshot-relative paths, in written order
}

// WriteSchema splits the dump into batches, classifies each one and
// writes one file per object. Batches addressing the same object (a
// table and its extended properties) append to the same file in dump
// order. Unrecognized batches are collected into _unrecognized.sql so
// nothing is silently dropped; a reconciliation mismatch is an error.
func (w *Writer) WriteSchema(dump string) (*Report, error) {
	batches := sqlparse.SplitBatches(dump)
	classified, stats := sqlparse.ClassifyAll(batches)
	if !stats.Reconciles() {
		return nil, fmt.Errorf("classification does not reconcile: %d recognized + %d unrecognized != %d batches",
			stats.Recognized, stats.Unrecognized, stats.Total)
	}

	base := filepath.Join(w.Root, "servers", w.Server, w.Database)

	// Gather file contents first; only touch the filesystem once the
	// whole dump classified cleanly.
	contents := map[string][]string{}
	var order []string
	var unrecognized []string
	for _, c := range classified {
		if !c.Recognized {
			w.Logger.Warn("unrecognized batch in schema dump", "preview", preview(c.Batch))
			unrecognized = append(unrecognized, c.Batch)
			continue
		}
		rel, ok := ObjectPath(c.Descriptor)
		if !ok {
			// Outside the per-table layout (schemas, filegroups,
			// principals): one shared file per kind.
			rel = filepath.Join("_database", string(c.Descriptor.Kind)+".sql")
		}
		if _, seen := contents[rel]; !seen {
			order = append(order, rel)
		}
		contents[rel] = append(contents[rel], c.Batch)
	}
	if len(unrecognized) > 0 {
		rel := "_unrecognized.sql"
		order = append(order, rel)
		contents[rel] = unrecognized
	}

	report := &Report{
		Batches:      stats.Total,
		Recognized:   stats.Recognized,
		Unrecognized: stats.Unrecognized,
	}
	for _, rel := range order {
		full := filepath.Join(base, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
		body := strings.Join(contents[rel], "\nGO\n\n") + "\nGO\n"
		if err := writeFileAtomic(full, []byte(body)); err != nil {
			return nil, fmt.Errorf("failed to write snapshot file %s: %w", rel, err)
		}
		report.Files = append(report.Files, rel)
	}
	sort.Strings(report.Files)
	return report, nil
}

// writeFileAtomic writes via a temp file and rename so a crashed run
// never leaves a half-written object file.
func writeFileAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), name)
}

func preview(batch string) string {
	batch = strings.TrimSpace(batch)
	if idx := strings.IndexByte(batch, '\n'); idx >= 0 {
		batch = batch[:idx]
	}
	if len(batch) > 80 {
		batch = batch[:80] + "..."
	}
	return batch
}
