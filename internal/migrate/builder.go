package migrate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/trellen/sqlmigra/internal/change"
	"github.com/trellen/sqlmigra/internal/diff"
	"github.com/trellen/sqlmigra/internal/sqlparse"
)

// TempPrefix marks the synthetic name of a temporary object created
// during a table recreation. The splitter keys on it to keep the whole
// recreation in one group.
const TempPrefix = "tmp_"

// Builder renders a change set into a migration script.
type Builder struct {
	Actor string
	Now   func() time.Time
	// Dependents returns the foreign key definition batches referencing
	// the given table. When set, a table recreation drops those
	// constraints before the original table and re-adds them after the
	// rename; without it the DROP TABLE would fail against a referenced
	// table.
	Dependents func(schema, table string) ([]string, error)
}

// NewBuilder creates a builder stamping scripts with the given actor.
func NewBuilder(actor string) *Builder {
	return &Builder{Actor: actor, Now: time.Now}
}

// unit is a run of statements that must stay together and in order: a
// table recreation, a column add with its paired default, a drop/create
// modify pair.
type unit struct {
	phase      Phase
	descriptor sqlparse.Descriptor
	statements []Statement
}

// Build phases and orders the change set and renders the script.
func (b *Builder) Build(changes []change.SchemaChange) (*Script, error) {
	changes = fuseInlineDefaults(changes)
	recreated := tablesNeedingRecreation(changes)
	changedFKs := foreignKeysInChangeSet(changes)

	var units []unit
	emittedRecreation := map[string]bool{}
	for _, c := range changes {
		if c.Property(change.PropInlineDefault) != "" {
			continue // rendered with its column
		}
		if c.ObjectType == sqlparse.KindColumn && !c.IsRename() {
			key := tableKey(c)
			if _, ok := recreated[key]; ok {
				if !emittedRecreation[key] {
					u, err := recreationUnit(c, b.Dependents, changedFKs)
					if err != nil {
						return nil, err
					}
					units = append(units, u)
					emittedRecreation[key] = true
				}
				continue
			}
		}
		u, err := b.renderChange(c)
		if err != nil {
			return nil, err
		}
		if len(u.statements) > 0 {
			units = append(units, u)
		}
	}

	orderUnits(units)

	var statements []Statement
	for _, u := range units {
		statements = append(statements, u.statements...)
	}

	now := b.Now()
	script := &Script{
		ID:         migrationID(now, changes),
		Timestamp:  now,
		Actor:      b.Actor,
		Statements: statements,
	}
	script.Checksum = checksum(statements)
	return script, nil
}

// migrationID is deterministic for a given change set and timestamp:
// the timestamp plus per-category change counts.
func migrationID(now time.Time, changes []change.SchemaChange) string {
	var adds, mods, dels int
	for _, c := range changes {
		if c.Property(change.PropInlineDefault) == "handled" {
			continue
		}
		switch c.Kind {
		case diff.Added:
			adds++
		case diff.Deleted:
			dels++
		default:
			mods++
		}
	}
	return fmt.Sprintf("%s_%da%dm%dd", now.UTC().Format("20060102150405"), adds, mods, dels)
}

// orderUnits sorts phases Rename, Drop, Modify, Create; inside a phase
// units follow kind priority (reversed for drops, so dependents go
// before their targets), then schema, table and name for stability.
func orderUnits(units []unit) {
	sort.SliceStable(units, func(i, j int) bool {
		a, z := units[i], units[j]
		if a.phase != z.phase {
			return a.phase < z.phase
		}
		ap, zp := a.descriptor.Kind.Priority(), z.descriptor.Kind.Priority()
		if a.phase == PhaseDrop {
			ap, zp = -ap, -zp
		}
		if ap != zp {
			return ap < zp
		}
		ak := strings.ToLower(a.descriptor.Schema + "|" + a.descriptor.ParentTable + "|" + a.descriptor.Name)
		zk := strings.ToLower(z.descriptor.Schema + "|" + z.descriptor.ParentTable + "|" + z.descriptor.Name)
		return ak < zk
	})
}

func (b *Builder) renderChange(c change.SchemaChange) (unit, error) {
	switch {
	case c.IsRename():
		return renderRename(c)
	case c.Kind == diff.Deleted:
		return renderDrop(c)
	case c.Kind == diff.Added:
		return renderAdd(c)
	default:
		return renderModify(c)
	}
}

func descriptorOf(c change.SchemaChange) sqlparse.Descriptor {
	return sqlparse.Descriptor{
		Kind:        c.ObjectType,
		Schema:      c.Schema,
		Name:        c.ObjectName,
		ParentTable: c.TableName,
	}
}

func qual(schema, name string) string {
	return fmt.Sprintf("[%s].[%s]", schema, name)
}

func renderRename(c change.SchemaChange) (unit, error) {
	oldName := c.Property(change.PropOldName)
	var sql string
	switch c.ObjectType {
	case sqlparse.KindColumn:
		sql = fmt.Sprintf("EXEC sp_rename N'%s.[%s]', N'%s', 'COLUMN';", qual(c.Schema, c.TableName), oldName, c.ObjectName)
	case sqlparse.KindIndex:
		sql = fmt.Sprintf("EXEC sp_rename N'%s.[%s]', N'%s', N'INDEX';", qual(c.Schema, c.TableName), oldName, c.ObjectName)
	case sqlparse.KindTable:
		sql = fmt.Sprintf("EXEC sp_rename N'%s', N'%s';", qual(c.Schema, oldName), c.ObjectName)
	default:
		// sp_rename only knows OBJECT for these kinds; the trailing
		// comment carries the real kind for the splitter and the DBA.
		sql = fmt.Sprintf("EXEC sp_rename N'%s', N'%s', N'OBJECT'; -- %s",
			qual(c.Schema, oldName), c.ObjectName, strings.ToLower(string(c.ObjectType)))
	}
	return unit{
		phase:      PhaseRename,
		descriptor: descriptorOf(c),
		statements: []Statement{{SQL: sql, Phase: PhaseRename, Descriptor: descriptorOf(c), Operation: "rename"}},
	}, nil
}

func renderDrop(c change.SchemaChange) (unit, error) {
	table := qual(c.Schema, c.TableName)
	var sql string
	switch c.ObjectType {
	case sqlparse.KindTable:
		sql = fmt.Sprintf("DROP TABLE %s;", qual(c.Schema, c.ObjectName))
	case sqlparse.KindColumn:
		sql = fmt.Sprintf("ALTER TABLE %s DROP COLUMN [%s];", table, c.ColumnName)
	case sqlparse.KindPrimaryKey, sqlparse.KindForeignKey, sqlparse.KindCheckConstraint, sqlparse.KindDefaultConstraint:
		sql = fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT [%s];", table, c.ObjectName)
	case sqlparse.KindIndex:
		sql = fmt.Sprintf("DROP INDEX [%s] ON %s;", c.ObjectName, table)
	case sqlparse.KindTrigger:
		sql = fmt.Sprintf("DROP TRIGGER %s;", qual(c.Schema, c.ObjectName))
	case sqlparse.KindView:
		sql = fmt.Sprintf("DROP VIEW %s;", qual(c.Schema, c.ObjectName))
	case sqlparse.KindProcedure:
		sql = fmt.Sprintf("DROP PROCEDURE %s;", qual(c.Schema, c.ObjectName))
	case sqlparse.KindFunction:
		sql = fmt.Sprintf("DROP FUNCTION %s;", qual(c.Schema, c.ObjectName))
	case sqlparse.KindSchema:
		sql = fmt.Sprintf("DROP SCHEMA [%s];", c.ObjectName)
	case sqlparse.KindUser:
		sql = fmt.Sprintf("DROP USER [%s];", c.ObjectName)
	case sqlparse.KindLogin:
		sql = fmt.Sprintf("DROP LOGIN [%s];", c.ObjectName)
	case sqlparse.KindRole:
		sql = fmt.Sprintf("DROP ROLE [%s];", c.ObjectName)
	case sqlparse.KindFilegroup:
		db, ok := sqlparse.FilegroupDatabase(c.OldDefinition)
		if !ok {
			return unit{}, fmt.Errorf("filegroup %s has no ALTER DATABASE definition to derive the drop from", c.ObjectName)
		}
		sql = fmt.Sprintf("ALTER DATABASE [%s] REMOVE FILEGROUP [%s];", db, c.ObjectName)
	default:
		return unit{}, fmt.Errorf("cannot render drop for %s %s", c.ObjectType, c.ObjectName)
	}
	return unit{
		phase:      PhaseDrop,
		descriptor: descriptorOf(c),
		statements: []Statement{{SQL: sql, Phase: PhaseDrop, Descriptor: descriptorOf(c), Operation: "drop"}},
	}, nil
}

func renderAdd(c change.SchemaChange) (unit, error) {
	if c.ObjectType == sqlparse.KindColumn {
		return renderColumnAdd(c)
	}
	// Whole objects are created from their snapshot definition verbatim.
	var stmts []Statement
	for _, batch := range sqlparse.SplitBatches(c.NewDefinition) {
		stmts = append(stmts, Statement{
			SQL:        batch,
			Phase:      PhaseCreate,
			Descriptor: descriptorOf(c),
			Operation:  "create",
		})
	}
	if len(stmts) == 0 {
		return unit{}, fmt.Errorf("added %s %s has no definition", c.ObjectType, c.ObjectName)
	}
	return unit{phase: PhaseCreate, descriptor: descriptorOf(c), statements: stmts}, nil
}

// renderColumnAdd emits ALTER TABLE ADD. A NOT NULL addition with a
// paired new default constraint folds the default into the same
// statement: SQL Server rejects a bare NOT NULL add on a non-empty
// table. A nullable column's paired default follows as its own
// statement.
func renderColumnAdd(c change.SchemaChange) (unit, error) {
	col, ok := sqlparse.ParseColumnDef(c.NewDefinition)
	if !ok {
		return unit{}, fmt.Errorf("cannot parse added column definition for %s.%s", c.TableName, c.ObjectName)
	}
	table := qual(c.Schema, c.TableName)
	d := descriptorOf(c)

	var stmts []Statement
	inline := c.Property(propInlineLiteral)
	nullability := "NULL"
	if !col.Nullable {
		nullability = "NOT NULL"
	}
	switch {
	case inline != "" && !col.Nullable:
		sql := fmt.Sprintf("-- default constraint folded into column add\nALTER TABLE %s ADD [%s] %s DEFAULT (%s) %s;",
			table, col.Name, col.DataType, inline, nullability)
		stmts = append(stmts, Statement{SQL: sql, Phase: PhaseModify, Descriptor: d, Operation: "add-column"})
	default:
		sql := fmt.Sprintf("ALTER TABLE %s ADD [%s] %s %s;", table, col.Name, col.DataType, nullability)
		stmts = append(stmts, Statement{SQL: sql, Phase: PhaseModify, Descriptor: d, Operation: "add-column"})
		if pairSQL := c.Property(propPairedDefault); pairSQL != "" {
			stmts = append(stmts, Statement{SQL: pairSQL, Phase: PhaseModify, Descriptor: d, Operation: "add-default"})
		}
	}
	return unit{phase: PhaseModify, descriptor: d, statements: stmts}, nil
}

func renderModify(c change.SchemaChange) (unit, error) {
	d := descriptorOf(c)
	switch c.ObjectType {
	case sqlparse.KindColumn:
		col, ok := sqlparse.ParseColumnDef(c.NewDefinition)
		if !ok {
			return unit{}, fmt.Errorf("cannot parse modified column definition for %s.%s", c.TableName, c.ObjectName)
		}
		nullability := "NULL"
		if !col.Nullable {
			nullability = "NOT NULL"
		}
		sql := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN [%s] %s %s;", qual(c.Schema, c.TableName), col.Name, col.DataType, nullability)
		return unit{
			phase:      PhaseModify,
			descriptor: d,
			statements: []Statement{{SQL: sql, Phase: PhaseModify, Descriptor: d, Operation: "alter-column"}},
		}, nil
	case sqlparse.KindPrimaryKey, sqlparse.KindForeignKey, sqlparse.KindCheckConstraint, sqlparse.KindDefaultConstraint,
		sqlparse.KindIndex, sqlparse.KindTrigger, sqlparse.KindView, sqlparse.KindProcedure, sqlparse.KindFunction,
		sqlparse.KindSchema, sqlparse.KindFilegroup, sqlparse.KindUser, sqlparse.KindLogin, sqlparse.KindRole:
		// Modified definitions drop and recreate under the same name.
		dropUnit, err := renderDrop(withKind(c, diff.Deleted))
		if err != nil {
			return unit{}, err
		}
		stmts := []Statement{{
			SQL:        dropUnit.statements[0].SQL,
			Phase:      PhaseModify,
			Descriptor: d,
			Operation:  "drop-for-recreate",
		}}
		for _, batch := range sqlparse.SplitBatches(c.NewDefinition) {
			stmts = append(stmts, Statement{SQL: batch, Phase: PhaseModify, Descriptor: d, Operation: "recreate"})
		}
		return unit{phase: PhaseModify, descriptor: d, statements: stmts}, nil
	default:
		return unit{}, fmt.Errorf("cannot render modification for %s %s", c.ObjectType, c.ObjectName)
	}
}

func withKind(c change.SchemaChange, kind diff.ChangeKind) change.SchemaChange {
	c.Kind = kind
	return c
}

func tableKey(c change.SchemaChange) string {
	return strings.ToLower(c.Schema + "|" + c.TableName)
}
