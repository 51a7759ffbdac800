// Package change turns file-level snapshot diffs into object-level
// schema changes.
package change

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/trellen/sqlmigra/internal/diff"
	"github.com/trellen/sqlmigra/internal/snapshot"
	"github.com/trellen/sqlmigra/internal/sqlparse"
)

// Property keys carried on SchemaChange.Properties.
const (
	PropIsRename      = "isRename"
	PropOldName       = "oldName"
	PropRenameKind    = "renameKind"
	PropInlineDefault = "inlineDefault"
	// Full CREATE TABLE batches of the owning table, carried on column
	// changes so the script builder can recreate the table when a
	// change cannot be expressed as ALTER COLUMN.
	PropTableDefinition    = "tableDefinition"
	PropOldTableDefinition = "oldTableDefinition"
)

// SchemaChange is one semantic schema change. Deleted changes carry only
// OldDefinition, Added changes only NewDefinition; Modified changes
// (including renames) carry both.
type SchemaChange struct {
	ObjectType    sqlparse.ObjectKind
	Schema        string
	ObjectName    string
	TableName     string // owning table for table-scoped kinds
	ColumnName    string // set for column-level changes
	Kind          diff.ChangeKind
	OldDefinition string
	NewDefinition string
	Properties    map[string]string
}

// Property returns a metadata value, or "" when unset.
func (c SchemaChange) Property(key string) string {
	if c.Properties == nil {
		return ""
	}
	return c.Properties[key]
}

// SetProperty stores a metadata value, allocating the map on first use.
func (c *SchemaChange) SetProperty(key, value string) {
	if c.Properties == nil {
		c.Properties = map[string]string{}
	}
	c.Properties[key] = value
}

// IsRename reports whether this change records a rename.
func (c SchemaChange) IsRename() bool {
	return c.Property(PropIsRename) == "true"
}

// Extract converts diff entries into schema changes. Objects are
// classified from their path; files outside the snapshot convention,
// such as the shared per-kind files holding schemas and principals, are
// diffed batch by batch with each batch classified from its content. An
// entry that classifies neither way is an error. Modified table files
// are diffed column by column.
func Extract(entries []diff.Entry, logger *slog.Logger) ([]SchemaChange, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var changes []SchemaChange
	for _, entry := range entries {
		desc, ok := snapshot.ClassifyPath(entry.Path)
		if !ok {
			logger.Warn("snapshot path outside convention, diffing by batch", "path", entry.Path)
			batchChanges, err := diffSharedFile(entry)
			if err != nil {
				return nil, err
			}
			changes = append(changes, batchChanges...)
			continue
		}
		if desc.Kind == sqlparse.KindTable && entry.Kind == diff.Modified {
			columnChanges, err := diffTableBodies(desc, entry)
			if err != nil {
				return nil, err
			}
			changes = append(changes, columnChanges...)
			continue
		}
		changes = append(changes, wholeObjectChange(desc, entry))
	}
	return changes, nil
}

type classifiedBatch struct {
	desc  sqlparse.Descriptor
	batch string
}

// diffSharedFile diffs a file that holds several independent objects,
// one batch each. Batches are matched across versions by their
// classified descriptor, so adding a schema to a shared file surfaces
// as an Added change for that schema alone.
func diffSharedFile(entry diff.Entry) ([]SchemaChange, error) {
	oldObjs, err := classifyFileBatches(entry.OldText, entry)
	if err != nil {
		return nil, err
	}
	newObjs, err := classifyFileBatches(entry.NewText, entry)
	if err != nil {
		return nil, err
	}

	oldByKey := map[string]classifiedBatch{}
	for _, o := range oldObjs {
		oldByKey[o.desc.GroupKey()] = o
	}

	var changes []SchemaChange
	seen := map[string]bool{}
	for _, n := range newObjs {
		key := n.desc.GroupKey()
		seen[key] = true
		o, existed := oldByKey[key]
		if !existed {
			changes = append(changes, batchChange(n.desc, diff.Added, "", n.batch))
			continue
		}
		if !strings.EqualFold(sqlparse.NormalizeWhitespace(o.batch), sqlparse.NormalizeWhitespace(n.batch)) {
			changes = append(changes, batchChange(n.desc, diff.Modified, o.batch, n.batch))
		}
	}
	for _, o := range oldObjs {
		if !seen[o.desc.GroupKey()] {
			changes = append(changes, batchChange(o.desc, diff.Deleted, o.batch, ""))
		}
	}
	return changes, nil
}

func classifyFileBatches(text string, entry diff.Entry) ([]classifiedBatch, error) {
	var objs []classifiedBatch
	for _, batch := range sqlparse.SplitBatches(text) {
		desc, ok := sqlparse.Classify(batch)
		if !ok {
			return nil, fmt.Errorf("cannot classify %s entry %s from path or content: %s", entry.Kind, entry.Path, firstLine(batch))
		}
		objs = append(objs, classifiedBatch{desc: desc, batch: batch})
	}
	return objs, nil
}

func firstLine(batch string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(batch), "\n")
	return line
}

func batchChange(desc sqlparse.Descriptor, kind diff.ChangeKind, oldDef, newDef string) SchemaChange {
	return SchemaChange{
		ObjectType:    desc.Kind,
		Schema:        desc.Schema,
		ObjectName:    desc.Name,
		TableName:     desc.ParentTable,
		Kind:          kind,
		OldDefinition: strings.TrimSpace(oldDef),
		NewDefinition: strings.TrimSpace(newDef),
	}
}

func wholeObjectChange(desc sqlparse.Descriptor, entry diff.Entry) SchemaChange {
	c := SchemaChange{
		ObjectType: desc.Kind,
		Schema:     desc.Schema,
		ObjectName: desc.Name,
		TableName:  desc.ParentTable,
		Kind:       entry.Kind,
	}
	switch entry.Kind {
	case diff.Added:
		c.NewDefinition = strings.TrimSpace(entry.NewText)
	case diff.Deleted:
		c.OldDefinition = strings.TrimSpace(entry.OldText)
	default:
		c.OldDefinition = strings.TrimSpace(entry.OldText)
		c.NewDefinition = strings.TrimSpace(entry.NewText)
	}
	return c
}

// diffTableBodies classifies every column present in either version of a
// modified table file as added, deleted, modified or unchanged. Column
// order carries no semantic weight; every column is accounted for
// exactly once.
func diffTableBodies(desc sqlparse.Descriptor, entry diff.Entry) ([]SchemaChange, error) {
	oldCols, err := tableColumns(entry.OldText)
	if err != nil {
		return nil, fmt.Errorf("old version of %s: %w", entry.Path, err)
	}
	newCols, err := tableColumns(entry.NewText)
	if err != nil {
		return nil, fmt.Errorf("new version of %s: %w", entry.Path, err)
	}

	var changes []SchemaChange
	seen := map[string]bool{}
	for _, nc := range newCols {
		key := strings.ToLower(nc.name)
		seen[key] = true
		oc, existed := lookupColumn(oldCols, key)
		if !existed {
			changes = append(changes, columnChange(desc, nc.name, diff.Added, "", nc.raw))
			continue
		}
		if !strings.EqualFold(sqlparse.NormalizeWhitespace(oc.raw), sqlparse.NormalizeWhitespace(nc.raw)) {
			changes = append(changes, columnChange(desc, nc.name, diff.Modified, oc.raw, nc.raw))
		}
	}
	for _, oc := range oldCols {
		if !seen[strings.ToLower(oc.name)] {
			changes = append(changes, columnChange(desc, oc.name, diff.Deleted, oc.raw, ""))
		}
	}
	oldBatch := tableBatch(entry.OldText)
	newBatch := tableBatch(entry.NewText)
	for i := range changes {
		changes[i].SetProperty(PropOldTableDefinition, oldBatch)
		changes[i].SetProperty(PropTableDefinition, newBatch)
	}
	return changes, nil
}

// tableBatch returns the CREATE TABLE batch of a table snapshot file.
func tableBatch(text string) string {
	for _, batch := range sqlparse.SplitBatches(text) {
		if desc, ok := sqlparse.Classify(batch); ok && desc.Kind == sqlparse.KindTable {
			return batch
		}
	}
	return ""
}

func columnChange(desc sqlparse.Descriptor, column string, kind diff.ChangeKind, oldDef, newDef string) SchemaChange {
	return SchemaChange{
		ObjectType:    sqlparse.KindColumn,
		Schema:        desc.Schema,
		ObjectName:    column,
		TableName:     desc.Name,
		ColumnName:    column,
		Kind:          kind,
		OldDefinition: oldDef,
		NewDefinition: newDef,
	}
}

type rawColumn struct {
	name string
	raw  string
}

func lookupColumn(cols []rawColumn, lowerName string) (rawColumn, bool) {
	for _, c := range cols {
		if strings.ToLower(c.name) == lowerName {
			return c, true
		}
	}
	return rawColumn{}, false
}

// tableColumns extracts the column definitions from a table snapshot
// file, which holds the CREATE TABLE batch plus any extended-property
// batches.
func tableColumns(text string) ([]rawColumn, error) {
	for _, batch := range sqlparse.SplitBatches(text) {
		desc, ok := sqlparse.Classify(batch)
		if !ok || desc.Kind != sqlparse.KindTable {
			continue
		}
		body, ok := sqlparse.TableBody(batch)
		if !ok {
			return nil, fmt.Errorf("table statement has no column list")
		}
		var cols []rawColumn
		for _, def := range sqlparse.SplitColumnDefs(body) {
			parsed, ok := sqlparse.ParseColumnDef(def)
			if !ok {
				continue // table-level constraint entries
			}
			cols = append(cols, rawColumn{name: parsed.Name, raw: def})
		}
		return cols, nil
	}
	return nil, fmt.Errorf("no CREATE TABLE batch found")
}
