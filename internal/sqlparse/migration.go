package sqlparse

import (
	"regexp"
	"strings"
)

// Migration scripts contain statement forms the snapshot side never
// sees: drops, renames and column alterations. ClassifyMigrationStatement
// recognizes those on top of the snapshot shapes so the splitter can
// attribute every rendered statement to an object.

var (
	spRenameRe       = regexp.MustCompile(`(?is)^EXEC\s+sp_rename\s+N?'([^']+)'\s*,\s*N?'([^']+)'(?:\s*,\s*N?'([^']+)')?`)
	renameNoteRe     = regexp.MustCompile(`(?i)--\s*([A-Za-z]+)\s*$`)
	dropObjectRe     = regexp.MustCompile(`(?is)^DROP\s+(TABLE|VIEW|PROCEDURE|FUNCTION|TRIGGER|SCHEMA|USER|LOGIN|ROLE)\s+(` + qualPat + `)`)
	removeFilegrpRe  = regexp.MustCompile(`(?is)^ALTER\s+DATABASE\s+` + identPat + `\s+REMOVE\s+FILEGROUP\s+(` + identPat + `)`)
	dropIndexRe      = regexp.MustCompile(`(?is)^DROP\s+INDEX\s+(` + identPat + `)\s+ON\s+(` + qualPat + `)`)
	alterDropConstRe = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+(` + qualPat + `)\s+DROP\s+CONSTRAINT\s+(` + identPat + `)`)
	alterDropColRe   = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+(` + qualPat + `)\s+DROP\s+COLUMN\s+(` + identPat + `)`)
	alterColumnRe    = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+(` + qualPat + `)\s+(?:ADD|ALTER\s+COLUMN)\s+(` + identPat + `)`)
	insertIntoRe     = regexp.MustCompile(`(?is)\bINSERT\s+INTO\s+(` + qualPat + `)`)
	ifExistsTableRe  = regexp.MustCompile(`(?is)^IF\s+EXISTS\s*\(\s*SELECT\s+1\s+FROM\s+(` + qualPat + `)`)
)

var dropKeywordKind = map[string]ObjectKind{
	"TABLE":     KindTable,
	"VIEW":      KindView,
	"PROCEDURE": KindProcedure,
	"FUNCTION":  KindFunction,
	"TRIGGER":   KindTrigger,
	"SCHEMA":    KindSchema,
	"USER":      KindUser,
	"LOGIN":     KindLogin,
	"ROLE":      KindRole,
}

// ClassifyMigrationStatement attributes one rendered migration batch to
// a schema object. It tries the snapshot DDL shapes first, then the
// migration-only forms.
func ClassifyMigrationStatement(batch string) (Descriptor, bool) {
	if d, ok := Classify(batch); ok {
		return d, true
	}
	body := stripLeadingComments(batch)
	if body == "" {
		return Descriptor{}, false
	}

	if m := spRenameRe.FindStringSubmatch(body); m != nil {
		return classifyRename(body, m)
	}
	if m := dropObjectRe.FindStringSubmatch(body); m != nil {
		kind := dropKeywordKind[strings.ToUpper(m[1])]
		s, n := splitQualified(m[2])
		if kind == KindSchema {
			s = n
		}
		return Descriptor{Kind: kind, Schema: s, Name: n}, true
	}
	if m := removeFilegrpRe.FindStringSubmatch(body); m != nil {
		return Descriptor{Kind: KindFilegroup, Schema: "dbo", Name: unquote(m[1])}, true
	}
	if m := dropIndexRe.FindStringSubmatch(body); m != nil {
		s, t := splitQualified(m[2])
		return Descriptor{Kind: KindIndex, Schema: s, Name: unquote(m[1]), ParentTable: t}, true
	}
	if m := alterDropConstRe.FindStringSubmatch(body); m != nil {
		s, t := splitQualified(m[1])
		name := unquote(m[2])
		return Descriptor{Kind: constraintKindFromName(name), Schema: s, Name: name, ParentTable: t}, true
	}
	if m := alterDropColRe.FindStringSubmatch(body); m != nil {
		s, t := splitQualified(m[1])
		return Descriptor{Kind: KindColumn, Schema: s, Name: unquote(m[2]), ParentTable: t}, true
	}
	if m := alterColumnRe.FindStringSubmatch(body); m != nil {
		s, t := splitQualified(m[1])
		return Descriptor{Kind: KindColumn, Schema: s, Name: unquote(m[2]), ParentTable: t}, true
	}
	// Data-copy block of a table recreation: attribute it to the table
	// the rows go into.
	if ifExistsTableRe.MatchString(body) {
		if m := insertIntoRe.FindStringSubmatch(body); m != nil {
			s, t := splitQualified(m[1])
			return Descriptor{Kind: KindTable, Schema: s, Name: t}, true
		}
	}
	return Descriptor{}, false
}

// classifyRename resolves an sp_rename call from its @objtype argument.
// sp_rename flattens views, procedures and functions into OBJECT, so
// those renders carry the concrete kind in a trailing comment; OBJECT
// renames without one fall back to Table, as do renames with no type
// argument at all.
func classifyRename(body string, m []string) (Descriptor, bool) {
	parts := Identifiers(m[1])
	newName := unquote(m[2])
	objType := strings.ToUpper(strings.TrimSpace(m[3]))

	if len(parts) == 3 {
		switch objType {
		case "INDEX":
			return Descriptor{Kind: KindIndex, Schema: parts[0], Name: newName, ParentTable: parts[1]}, true
		default: // schema.table.column
			return Descriptor{Kind: KindColumn, Schema: parts[0], Name: newName, ParentTable: parts[1]}, true
		}
	}

	var schema string
	switch len(parts) {
	case 2:
		schema = parts[0]
	case 1:
		schema = "dbo"
	default:
		return Descriptor{}, false
	}
	if objType == "OBJECT" {
		if note := renameNoteRe.FindStringSubmatch(strings.TrimSpace(body)); note != nil {
			if kind, ok := KindFromName(note[1]); ok {
				return Descriptor{Kind: kind, Schema: schema, Name: newName}, true
			}
		}
	}
	return Descriptor{Kind: KindTable, Schema: schema, Name: newName}, true
}

// constraintKindFromName infers a dropped constraint's kind from the
// extractor's naming convention. The kind only affects reporting; the
// statement groups under its table either way.
func constraintKindFromName(name string) ObjectKind {
	switch {
	case strings.HasPrefix(name, "PK_"):
		return KindPrimaryKey
	case strings.HasPrefix(name, "FK_"):
		return KindForeignKey
	case strings.HasPrefix(name, "DF_"):
		return KindDefaultConstraint
	default:
		return KindCheckConstraint
	}
}
