package snapshot

import (
	"path"
	"strings"

	"github.com/trellen/sqlmigra/internal/sqlparse"
)

// File prefixes for table-scoped objects, matching the extractor's layout:
// servers/<server>/<database>/schemas/<schema>/Tables/<table>/<PREFIX>_<name>.sql
var kindPrefix = map[sqlparse.ObjectKind]string{
	sqlparse.KindTable:             "TBL",
	sqlparse.KindPrimaryKey:        "PK",
	sqlparse.KindForeignKey:        "FK",
	sqlparse.KindCheckConstraint:   "CK",
	sqlparse.KindDefaultConstraint: "DF",
	sqlparse.KindIndex:             "IDX",
	sqlparse.KindTrigger:           "TR",
}

var prefixKind = func() map[string]sqlparse.ObjectKind {
	m := make(map[string]sqlparse.ObjectKind, len(kindPrefix))
	for k, p := range kindPrefix {
		m[p] = k
	}
	return m
}()

var folderKind = map[string]sqlparse.ObjectKind{
	"Views":            sqlparse.KindView,
	"StoredProcedures": sqlparse.KindProcedure,
	"Functions":        sqlparse.KindFunction,
}

var kindFolder = map[sqlparse.ObjectKind]string{
	sqlparse.KindView:      "Views",
	sqlparse.KindProcedure: "StoredProcedures",
	sqlparse.KindFunction:  "Functions",
}

// ObjectPath returns the snapshot-relative path for a descriptor, below
// servers/<server>/<database>. Extended properties map onto their owning
// table's file so descriptions travel with the object they document.
// Kinds outside the layout convention (schemas, filegroups, principals)
// return false.
func ObjectPath(d sqlparse.Descriptor) (string, bool) {
	schemaDir := path.Join("schemas", d.Schema)
	if d.Kind == sqlparse.KindExtendedProperty {
		if d.ParentTable == "" {
			return "", false
		}
		return path.Join(schemaDir, "Tables", d.ParentTable, "TBL_"+d.ParentTable+".sql"), true
	}
	if prefix, ok := kindPrefix[d.Kind]; ok {
		table := d.ParentTable
		name := d.Name
		if d.Kind == sqlparse.KindTable {
			table = d.Name
		}
		if table == "" {
			return "", false
		}
		return path.Join(schemaDir, "Tables", table, prefix+"_"+name+".sql"), true
	}
	if folder, ok := kindFolder[d.Kind]; ok {
		return path.Join(schemaDir, folder, d.Name+".sql"), true
	}
	return "", false
}

// ClassifyPath derives a descriptor from a snapshot file path. This is
// the primary classification for diff entries; content-based
// classification is the fallback when the path does not follow the
// convention.
func ClassifyPath(p string) (sqlparse.Descriptor, bool) {
	parts := strings.Split(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
	schemaIdx := -1
	for i, part := range parts {
		if part == "schemas" && i+1 < len(parts) {
			schemaIdx = i
			break
		}
	}
	if schemaIdx < 0 || len(parts) < schemaIdx+4 {
		return sqlparse.Descriptor{}, false
	}
	schema := parts[schemaIdx+1]
	folder := parts[schemaIdx+2]
	rest := parts[schemaIdx+3:]

	if folder == "Tables" {
		if len(rest) != 2 {
			return sqlparse.Descriptor{}, false
		}
		table := rest[0]
		file := strings.TrimSuffix(rest[1], ".sql")
		if file == rest[1] {
			return sqlparse.Descriptor{}, false
		}
		sep := strings.IndexByte(file, '_')
		if sep <= 0 {
			return sqlparse.Descriptor{}, false
		}
		kind, ok := prefixKind[file[:sep]]
		if !ok {
			return sqlparse.Descriptor{}, false
		}
		d := sqlparse.Descriptor{Kind: kind, Schema: schema, Name: file[sep+1:], ParentTable: table}
		if kind == sqlparse.KindTable {
			d.ParentTable = ""
		}
		return d, true
	}

	kind, ok := folderKind[folder]
	if !ok || len(rest) != 1 {
		return sqlparse.Descriptor{}, false
	}
	name := strings.TrimSuffix(rest[0], ".sql")
	if name == rest[0] {
		return sqlparse.Descriptor{}, false
	}
	return sqlparse.Descriptor{Kind: kind, Schema: schema, Name: name}, true
}
