package migrate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/trellen/sqlmigra/internal/change"
	"github.com/trellen/sqlmigra/internal/diff"
	"github.com/trellen/sqlmigra/internal/sqlparse"
)

// propInlineLiteral carries the default literal onto the column change
// whose paired constraint folded into the ADD statement; propPairedDefault
// carries the full constraint statement when it stays separate.
const (
	propInlineLiteral = "inlineLiteral"
	propPairedDefault = "pairedDefault"
)

var defaultForColumn = regexp.MustCompile(`(?is)\bDEFAULT\s*(\((?:[^()]|\([^()]*\))*\)|'[^']*'|[\w.]+)\s+FOR\s+(\[[^\[\]]+\]|[A-Za-z_][\w$@#]*)`)

// fuseInlineDefaults pairs each newly added default constraint with a
// newly added column on the same table and column. The pair renders as
// one statement for NOT NULL columns and as two adjacent statements for
// nullable ones; either way the constraint no longer renders standalone.
func fuseInlineDefaults(changes []change.SchemaChange) []change.SchemaChange {
	out := make([]change.SchemaChange, len(changes))
	copy(out, changes)

	addedColumns := map[string]int{}
	for i, c := range out {
		if c.ObjectType == sqlparse.KindColumn && c.Kind == diff.Added {
			addedColumns[columnKey(c.Schema, c.TableName, c.ColumnName)] = i
		}
	}

	for i, c := range out {
		if c.ObjectType != sqlparse.KindDefaultConstraint || c.Kind != diff.Added {
			continue
		}
		m := defaultForColumn.FindStringSubmatch(c.NewDefinition)
		if m == nil {
			continue
		}
		literal := sqlparse.NormalizeDefault(m[1])
		column := strings.Trim(m[2], "[]")
		ci, ok := addedColumns[columnKey(c.Schema, c.TableName, column)]
		if !ok {
			continue
		}
		col, parsed := sqlparse.ParseColumnDef(out[ci].NewDefinition)
		if !parsed {
			continue
		}
		if col.Nullable {
			batches := sqlparse.SplitBatches(c.NewDefinition)
			if len(batches) == 0 {
				continue
			}
			out[ci].SetProperty(propPairedDefault, batches[0])
			out[i].SetProperty(change.PropInlineDefault, "paired")
		} else {
			out[ci].SetProperty(propInlineLiteral, literal)
			out[i].SetProperty(change.PropInlineDefault, "handled")
		}
	}
	return out
}

func columnKey(schema, table, column string) string {
	return strings.ToLower(schema + "|" + table + "|" + column)
}

// tablesNeedingRecreation finds tables with a column modification that
// ALTER COLUMN cannot express: a change to the identity flag.
func tablesNeedingRecreation(changes []change.SchemaChange) map[string]struct{} {
	out := map[string]struct{}{}
	for _, c := range changes {
		if c.ObjectType != sqlparse.KindColumn || c.Kind != diff.Modified || c.IsRename() {
			continue
		}
		oldCol, okOld := sqlparse.ParseColumnDef(c.OldDefinition)
		newCol, okNew := sqlparse.ParseColumnDef(c.NewDefinition)
		if okOld && okNew && oldCol.Identity != newCol.Identity {
			out[tableKey(c)] = struct{}{}
		}
	}
	return out
}

// foreignKeysInChangeSet collects the lowercased names of foreign keys
// the change set already touches, so a recreation does not drop and
// re-add a constraint the script handles anyway.
func foreignKeysInChangeSet(changes []change.SchemaChange) map[string]bool {
	out := map[string]bool{}
	for _, c := range changes {
		if c.ObjectType == sqlparse.KindForeignKey {
			out[strings.ToLower(c.ObjectName)] = true
		}
	}
	return out
}

// recreationUnit renders the temp-table recreation pattern: create the
// table under a synthetic tmp_ name from its new definition, copy rows,
// drop untouched foreign keys pointing at the original, drop the
// original and rename the temp into place, then re-add those foreign
// keys. The statements are inseparable; the splitter keeps them in one
// group via TempPrefix.
func recreationUnit(c change.SchemaChange, dependents func(schema, table string) ([]string, error), changedFKs map[string]bool) (unit, error) {
	newDef := c.Property(change.PropTableDefinition)
	oldDef := c.Property(change.PropOldTableDefinition)
	if newDef == "" || oldDef == "" {
		return unit{}, fmt.Errorf("table %s.%s requires recreation but no table definition was captured", c.Schema, c.TableName)
	}

	table := c.TableName
	tmpTable := TempPrefix + table
	d := sqlparse.Descriptor{Kind: sqlparse.KindTable, Schema: c.Schema, Name: table}
	src := qual(c.Schema, table)
	dst := qual(c.Schema, tmpTable)

	common, identityInsert, err := copyColumns(oldDef, newDef)
	if err != nil {
		return unit{}, fmt.Errorf("table %s.%s: %w", c.Schema, table, err)
	}

	dropFKs, readdFKs, err := dependentForeignKeyStatements(c.Schema, table, d, dependents, changedFKs)
	if err != nil {
		return unit{}, err
	}

	stmts := []Statement{{
		SQL:        sqlparse.ReplaceWholeWord(newDef, table, tmpTable),
		Phase:      PhaseModify,
		Descriptor: d,
		Operation:  "create-temp",
	}}

	if len(common) > 0 {
		cols := "[" + strings.Join(common, "], [") + "]"
		var b strings.Builder
		fmt.Fprintf(&b, "IF EXISTS (SELECT 1 FROM %s)\nBEGIN\n", src)
		if identityInsert {
			fmt.Fprintf(&b, "    SET IDENTITY_INSERT %s ON;\n", dst)
		}
		fmt.Fprintf(&b, "    INSERT INTO %s (%s)\n    SELECT %s FROM %s;\n", dst, cols, cols, src)
		if identityInsert {
			fmt.Fprintf(&b, "    SET IDENTITY_INSERT %s OFF;\n", dst)
		}
		b.WriteString("END;")
		stmts = append(stmts, Statement{SQL: b.String(), Phase: PhaseModify, Descriptor: d, Operation: "copy-data"})
	}

	stmts = append(stmts, dropFKs...)
	stmts = append(stmts,
		Statement{SQL: fmt.Sprintf("DROP TABLE %s;", src), Phase: PhaseModify, Descriptor: d, Operation: "drop-original"},
		Statement{SQL: fmt.Sprintf("EXEC sp_rename N'%s', N'%s';", dst, table), Phase: PhaseModify, Descriptor: d, Operation: "rename-temp"},
	)
	stmts = append(stmts, readdFKs...)
	return unit{phase: PhaseModify, descriptor: d, statements: stmts}, nil
}

// dependentForeignKeyStatements renders the drop and re-add pairs for
// foreign keys that reference a recreated table but are otherwise
// untouched by the change set.
func dependentForeignKeyStatements(schema, table string, d sqlparse.Descriptor, dependents func(schema, table string) ([]string, error), changedFKs map[string]bool) (drops, readds []Statement, err error) {
	if dependents == nil {
		return nil, nil, nil
	}
	batches, err := dependents(schema, table)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving foreign keys referencing %s.%s: %w", schema, table, err)
	}
	for _, batch := range batches {
		fk, ok := sqlparse.Classify(batch)
		if !ok || fk.Kind != sqlparse.KindForeignKey {
			continue
		}
		if changedFKs[strings.ToLower(fk.Name)] {
			continue // the script already drops or recreates it
		}
		drops = append(drops, Statement{
			SQL:        fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT [%s];", qual(fk.Schema, fk.ParentTable), fk.Name),
			Phase:      PhaseModify,
			Descriptor: d,
			Operation:  "drop-dependent",
		})
		readds = append(readds, Statement{
			SQL:        batch,
			Phase:      PhaseModify,
			Descriptor: d,
			Operation:  "readd-dependent",
		})
	}
	return drops, readds, nil
}

// copyColumns returns the columns present in both table versions, in the
// new definition's order, and whether the copy needs IDENTITY_INSERT.
func copyColumns(oldDef, newDef string) ([]string, bool, error) {
	oldCols, err := parseTableColumns(oldDef)
	if err != nil {
		return nil, false, err
	}
	newCols, err := parseTableColumns(newDef)
	if err != nil {
		return nil, false, err
	}
	oldNames := map[string]bool{}
	for _, c := range oldCols {
		oldNames[strings.ToLower(c.Name)] = true
	}
	var common []string
	identityInsert := false
	for _, c := range newCols {
		if oldNames[strings.ToLower(c.Name)] {
			common = append(common, c.Name)
			if c.Identity {
				identityInsert = true
			}
		}
	}
	return common, identityInsert, nil
}

func parseTableColumns(def string) ([]sqlparse.ColumnDef, error) {
	body, ok := sqlparse.TableBody(def)
	if !ok {
		return nil, fmt.Errorf("table definition has no column list")
	}
	var cols []sqlparse.ColumnDef
	for _, raw := range sqlparse.SplitColumnDefs(body) {
		if col, ok := sqlparse.ParseColumnDef(raw); ok {
			cols = append(cols, col)
		}
	}
	return cols, nil
}
