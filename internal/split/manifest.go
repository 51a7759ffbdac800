package split

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manifest is the machine-readable execution plan written next to the
// segment files.
type Manifest struct {
	Version        int             `json:"version"`
	MigrationID    string          `json:"migrationId"`
	Checksum       string          `json:"checksum"`
	Timestamp      string          `json:"timestamp"`
	Actor          string          `json:"actor"`
	TotalSegments  int             `json:"totalSegments"`
	ExecutionOrder []ManifestEntry `json:"executionOrder"`
	Summary        ManifestSummary `json:"summary"`
}

// ManifestEntry describes one segment file in execution order.
type ManifestEntry struct {
	Sequence   int      `json:"sequence"`
	Filename   string   `json:"filename"`
	ObjectType string   `json:"objectType"`
	Schema     string   `json:"schema"`
	ObjectName string   `json:"objectName"`
	Operations []string `json:"operations"`
	LineCount  int      `json:"lineCount"`
}

// ManifestSummary aggregates segment counts per operation.
type ManifestSummary struct {
	Objects    int            `json:"objects"`
	Operations map[string]int `json:"operations"`
}

const manifestVersion = 1

// Manifest builds the manifest for the split result.
func (r *Result) Manifest() Manifest {
	m := Manifest{
		Version:       manifestVersion,
		MigrationID:   r.MigrationID,
		Checksum:      r.Checksum,
		Timestamp:     r.Generated,
		Actor:         r.Actor,
		TotalSegments: len(r.Segments),
		Summary: ManifestSummary{
			Objects:    len(r.Segments),
			Operations: map[string]int{},
		},
	}
	for _, seg := range r.Segments {
		m.ExecutionOrder = append(m.ExecutionOrder, ManifestEntry{
			Sequence:   seg.Sequence,
			Filename:   seg.Filename,
			ObjectType: string(seg.ObjectType),
			Schema:     seg.Schema,
			ObjectName: seg.ObjectName,
			Operations: seg.Operations,
			LineCount:  seg.LineCount(),
		})
		for _, op := range seg.Operations {
			m.Summary.Operations[op]++
		}
	}
	return m
}

// DirName is the migration directory name under the migrations root:
// the migration's timestamp and actor, without the change counts the
// full migration id carries.
func (r *Result) DirName() string {
	stamp, _, _ := strings.Cut(r.MigrationID, "_")
	return fmt.Sprintf("_%s_%s_migration", stamp, sanitize(r.Actor))
}

// Write publishes the segment files and manifest.json under
// migrationsRoot as a single directory. The directory appears atomically:
// everything is staged in a temp dir first and renamed into place, so a
// partially written migration is never visible. Returns the published
// directory path.
func (r *Result) Write(migrationsRoot string) (string, error) {
	if len(r.Segments) == 0 {
		return "", fmt.Errorf("write migration: no segments")
	}
	if err := os.MkdirAll(migrationsRoot, 0o755); err != nil {
		return "", fmt.Errorf("create migrations root: %w", err)
	}
	staging, err := os.MkdirTemp(migrationsRoot, ".staging-*")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, seg := range r.Segments {
		path := filepath.Join(staging, seg.Filename)
		if err := os.WriteFile(path, []byte(seg.Content()), 0o644); err != nil {
			return "", fmt.Errorf("write segment %s: %w", seg.Filename, err)
		}
	}
	data, err := json.MarshalIndent(r.Manifest(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "manifest.json"), append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	dest := filepath.Join(migrationsRoot, r.DirName())
	if err := os.Rename(staging, dest); err != nil {
		return "", fmt.Errorf("publish migration dir: %w", err)
	}
	return dest, nil
}
