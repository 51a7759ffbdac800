// Package split decomposes a rendered migration script into reviewable
// per-object segment files plus a manifest describing their execution
// order.
package split

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/trellen/sqlmigra/internal/migrate"
	"github.com/trellen/sqlmigra/internal/sqlparse"
)

// Segment is all statements for one object, in script order.
type Segment struct {
	Sequence   int
	Filename   string
	ObjectType sqlparse.ObjectKind
	Schema     string
	ObjectName string
	Operations []string
	Batches    []string
}

// Content renders the segment file body.
func (s Segment) Content() string {
	var b strings.Builder
	for _, batch := range s.Batches {
		b.WriteString(strings.TrimRight(batch, "\n"))
		b.WriteString("\nGO\n")
	}
	return b.String()
}

// LineCount is the number of lines in the rendered segment file.
func (s Segment) LineCount() int {
	return strings.Count(s.Content(), "\n")
}

// Result is the decomposed script.
type Result struct {
	MigrationID string
	Checksum    string
	Generated   string
	Actor       string
	Segments    []Segment
}

type group struct {
	descriptor sqlparse.Descriptor // group owner: the table for table-scoped objects
	batches    []string
	operations []string
}

// Split re-tokenizes a rendered script, attributes every statement to an
// object and groups related statements. A statement attributable to no
// object is an error: it would otherwise be silently dropped from the
// output.
func Split(script string) (*Result, error) {
	res := &Result{}
	parseHeader(script, res)

	batches := sqlparse.SplitBatches(script)
	type stmt struct {
		batch string
		owner sqlparse.Descriptor
		kind  sqlparse.ObjectKind // the statement's own kind, for operations
		name  string              // the statement's own object name
	}

	var prelude, postlude []string
	var stmts []stmt
	recreated := map[string]sqlparse.Descriptor{}
	var recreatedIDs []string

	for _, batch := range batches {
		if isFraming(batch) {
			if len(stmts) == 0 {
				prelude = append(prelude, batch)
			} else {
				postlude = append(postlude, batch)
			}
			continue
		}
		d, ok := sqlparse.ClassifyMigrationStatement(batch)
		if !ok {
			return nil, fmt.Errorf("statement attributable to no object: %s", firstLine(batch))
		}
		stmtKind := d.Kind
		owner := ownerOf(d)
		// Temp objects from a table recreation group with the original.
		if stripped, had := stripTempPrefix(owner.Name); had {
			owner.Name = stripped
			if _, seen := recreated[groupID(owner)]; !seen {
				recreated[groupID(owner)] = owner
				recreatedIDs = append(recreatedIDs, groupID(owner))
			}
		}
		stmts = append(stmts, stmt{batch: batch, owner: owner, kind: stmtKind, name: d.Name})
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("script contains no attributable statements")
	}

	// Cross-object dependents: a foreign key dropped or re-added only
	// because its target table is being recreated belongs to the
	// recreation, not to the table it syntactically hangs off. The
	// re-add names the recreated table in its REFERENCES clause; the
	// matching drop carries only the constraint name, so it follows the
	// re-add by name in a second pass.
	fkHome := map[string]sqlparse.Descriptor{}
	for i, l := range stmts {
		if l.kind != sqlparse.KindForeignKey {
			continue
		}
		if _, ownGroup := recreated[groupID(l.owner)]; ownGroup {
			continue
		}
		for _, id := range recreatedIDs {
			if referencesTable(l.batch, recreated[id]) {
				stmts[i].owner = recreated[id]
				fkHome[strings.ToLower(l.name)] = recreated[id]
				break
			}
		}
	}
	for i, l := range stmts {
		if l.kind != sqlparse.KindForeignKey {
			continue
		}
		if home, ok := fkHome[strings.ToLower(l.name)]; ok {
			stmts[i].owner = home
		}
	}

	groups := map[string]*group{}
	var orderedIDs []string
	for _, l := range stmts {
		id := groupID(l.owner)
		g := groups[id]
		if g == nil {
			g = &group{descriptor: l.owner}
			groups[id] = g
			orderedIDs = append(orderedIDs, id)
		}
		g.batches = append(g.batches, l.batch)
		g.operations = append(g.operations, operationOf(l.batch, l.kind))
	}

	// Groups keep the script's own phase/priority order: the builder
	// already emitted objects in that order, so first appearance is it.
	for seq, id := range orderedIDs {
		g := groups[id]
		seg := Segment{
			Sequence:   seq + 1,
			ObjectType: g.descriptor.Kind,
			Schema:     g.descriptor.Schema,
			ObjectName: g.descriptor.Name,
			Operations: dedupe(g.operations),
			Batches:    g.batches,
		}
		seg.Filename = fmt.Sprintf("%03d_%s_%s_%s.sql", seg.Sequence, seg.ObjectType, sanitize(seg.Schema), sanitize(seg.ObjectName))
		res.Segments = append(res.Segments, seg)
	}

	// Framing stays reconstructable: envelope statements ride with the
	// first and last segments.
	if len(prelude) > 0 {
		first := &res.Segments[0]
		first.Batches = append(append([]string{}, prelude...), first.Batches...)
	}
	if len(postlude) > 0 {
		last := &res.Segments[len(res.Segments)-1]
		last.Batches = append(last.Batches, postlude...)
	}
	return res, nil
}

// ownerOf maps a statement's descriptor to its group owner: table-scoped
// statements group under their table.
func ownerOf(d sqlparse.Descriptor) sqlparse.Descriptor {
	if d.Kind.TableScoped() && d.ParentTable != "" {
		return sqlparse.Descriptor{Kind: sqlparse.KindTable, Schema: d.Schema, Name: d.ParentTable}
	}
	if d.Kind == sqlparse.KindColumn && d.ParentTable != "" {
		return sqlparse.Descriptor{Kind: sqlparse.KindTable, Schema: d.Schema, Name: d.ParentTable}
	}
	return sqlparse.Descriptor{Kind: d.Kind, Schema: d.Schema, Name: d.Name}
}

func groupID(d sqlparse.Descriptor) string {
	return string(d.Kind) + "|" + strings.ToLower(d.Schema) + "|" + strings.ToLower(d.Name)
}

func stripTempPrefix(name string) (string, bool) {
	if strings.HasPrefix(name, migrate.TempPrefix) {
		return name[len(migrate.TempPrefix):], true
	}
	return name, false
}

func referencesTable(batch string, table sqlparse.Descriptor) bool {
	needle := fmt.Sprintf("[%s].[%s]", table.Schema, table.Name)
	return strings.Contains(batch, needle)
}

var framingPrefixes = []string{
	"SET XACT_ABORT",
	"BEGIN TRANSACTION",
	"COMMIT TRANSACTION",
	"SET NOEXEC",
}

// isFraming reports whether a batch belongs to the script envelope: the
// transaction wrapper, the history guard and the history insert.
func isFraming(batch string) bool {
	if strings.Contains(batch, "__MigrationHistory") {
		return true
	}
	body := strings.ToUpper(stripComments(batch))
	for _, p := range framingPrefixes {
		if strings.HasPrefix(body, p) {
			return true
		}
	}
	return false
}

var commentLine = regexp.MustCompile(`(?m)^\s*--[^\n]*\n?`)

func stripComments(batch string) string {
	return strings.TrimSpace(commentLine.ReplaceAllString(batch, ""))
}

func operationOf(batch string, kind sqlparse.ObjectKind) string {
	body := strings.ToUpper(stripComments(batch))
	switch {
	case strings.HasPrefix(body, "EXEC SP_RENAME"):
		return "rename"
	case strings.HasPrefix(body, "DROP"):
		return "drop"
	case strings.HasPrefix(body, "IF EXISTS"):
		return "copy"
	case strings.HasPrefix(body, "CREATE"):
		return "create"
	case strings.Contains(body, "DROP CONSTRAINT") || strings.Contains(body, "DROP COLUMN"):
		return "drop"
	case strings.HasPrefix(body, "ALTER"):
		return "alter"
	case strings.HasPrefix(body, "EXEC"):
		return "exec"
	default:
		return strings.ToLower(string(kind))
	}
}

func dedupe(ops []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, op := range ops {
		if !seen[op] {
			seen[op] = true
			out = append(out, op)
		}
	}
	return out
}

var nonFilename = regexp.MustCompile(`[^\w.-]+`)

func sanitize(s string) string {
	return nonFilename.ReplaceAllString(s, "_")
}

func firstLine(batch string) string {
	batch = strings.TrimSpace(batch)
	if idx := strings.IndexByte(batch, '\n'); idx >= 0 {
		return batch[:idx]
	}
	return batch
}

var headerFields = map[string]func(*Result, string){
	"-- Migration-Id:": func(r *Result, v string) { r.MigrationID = v },
	"-- Checksum:":     func(r *Result, v string) { r.Checksum = v },
	"-- Generated:":    func(r *Result, v string) { r.Generated = v },
	"-- Actor:":        func(r *Result, v string) { r.Actor = v },
}

func parseHeader(script string, res *Result) {
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		for prefix, set := range headerFields {
			if strings.HasPrefix(line, prefix) {
				set(res, strings.TrimSpace(strings.TrimPrefix(line, prefix)))
			}
		}
		if !strings.HasPrefix(line, "--") && line != "" {
			return
		}
	}
}
