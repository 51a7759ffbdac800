// Package sqlparse recognizes the DDL shapes produced by the schema
// snapshot tooling and turns raw batches into typed object descriptors.
//
// It is deliberately not a SQL parser: each recognized statement shape has
// one matcher, evaluated in a fixed priority order, and anything else is
// reported as unrecognized rather than guessed at.
package sqlparse

import (
	"fmt"
	"regexp"
	"strings"
)

// ObjectKind identifies the kind of schema object a statement addresses.
type ObjectKind string

const (
	KindSchema            ObjectKind = "Schema"
	KindFilegroup         ObjectKind = "Filegroup"
	KindTable             ObjectKind = "Table"
	KindColumn            ObjectKind = "Column"
	KindPrimaryKey        ObjectKind = "PrimaryKey"
	KindDefaultConstraint ObjectKind = "DefaultConstraint"
	KindCheckConstraint   ObjectKind = "CheckConstraint"
	KindForeignKey        ObjectKind = "ForeignKey"
	KindIndex             ObjectKind = "Index"
	KindTrigger           ObjectKind = "Trigger"
	KindView              ObjectKind = "View"
	KindProcedure         ObjectKind = "Procedure"
	KindFunction          ObjectKind = "Function"
	KindExtendedProperty  ObjectKind = "ExtendedProperty"
	KindUser              ObjectKind = "User"
	KindLogin             ObjectKind = "Login"
	KindRole              ObjectKind = "Role"
)

// kindPriority is the dependency-safe creation order: schemas before
// tables, tables before constraints, constraints before indexes, code
// objects last.
var kindPriority = map[ObjectKind]int{
	KindSchema:            0,
	KindFilegroup:         1,
	KindTable:             2,
	KindPrimaryKey:        3,
	KindDefaultConstraint: 4,
	KindCheckConstraint:   5,
	KindForeignKey:        6,
	KindIndex:             7,
	KindTrigger:           8,
	KindView:              9,
	KindProcedure:         10,
	KindFunction:          11,
	KindColumn:            12,
	KindExtendedProperty:  13,
	KindUser:              14,
	KindLogin:             15,
	KindRole:              16,
}

// Priority returns the kind's position in dependency-safe creation order.
// Unknown kinds sort last.
func (k ObjectKind) Priority() int {
	if p, ok := kindPriority[k]; ok {
		return p
	}
	return len(kindPriority)
}

// TableScoped reports whether objects of this kind belong to a table and
// group under it in the snapshot tree.
func (k ObjectKind) TableScoped() bool {
	switch k {
	case KindColumn, KindPrimaryKey, KindDefaultConstraint, KindCheckConstraint,
		KindForeignKey, KindIndex, KindTrigger, KindExtendedProperty:
		return true
	}
	return false
}

// Descriptor addresses one schema object.
type Descriptor struct {
	Kind        ObjectKind
	Schema      string
	Name        string
	ParentTable string // set for table-scoped kinds
}

// GroupKey returns the key under which statements for the same object (or
// the same owning table) are grouped. Table-scoped objects group with
// their parent table.
func (d Descriptor) GroupKey() string {
	if d.Kind.TableScoped() && d.ParentTable != "" {
		return fmt.Sprintf("%s|%s|%s", KindTable, strings.ToLower(d.Schema), strings.ToLower(d.ParentTable))
	}
	return fmt.Sprintf("%s|%s|%s", d.Kind, strings.ToLower(d.Schema), strings.ToLower(d.Name))
}

func (d Descriptor) String() string {
	if d.ParentTable != "" {
		return fmt.Sprintf("%s [%s].[%s].[%s]", d.Kind, d.Schema, d.ParentTable, d.Name)
	}
	return fmt.Sprintf("%s [%s].[%s]", d.Kind, d.Schema, d.Name)
}

const (
	identPat = `(?:\[[^\[\]]+\]|[A-Za-z_][\w$@#]*)`
	qualPat  = identPat + `(?:\s*\.\s*` + identPat + `){0,2}`
)

// shape is one recognized DDL form: a compiled pattern plus an extraction
// of the matched identifiers into a Descriptor. extract receives the full
// batch body as well, for shapes whose identifiers live outside the match
// (extended-property argument lists).
type shape struct {
	re      *regexp.Regexp
	extract func(body string, m []string) (Descriptor, bool)
}

// shapes is evaluated in order; the first match wins. Order matters only
// where prefixes overlap (e.g. CREATE TRIGGER before the generic CREATE
// forms is not required, but ALTER TABLE ADD CONSTRAINT must be tried
// before any looser ALTER TABLE form a future shape might add).
var shapes = []shape{
	{
		re: regexp.MustCompile(`(?is)^CREATE\s+TABLE\s+(` + qualPat + `)`),
		extract: func(_ string, m []string) (Descriptor, bool) {
			s, n := splitQualified(m[1])
			return Descriptor{Kind: KindTable, Schema: s, Name: n}, true
		},
	},
	{
		re: regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+(` + qualPat + `)\s+(?:WITH\s+(?:NO)?CHECK\s+)?ADD\s+CONSTRAINT\s+(` + identPat + `)\s+(PRIMARY\s+KEY|FOREIGN\s+KEY|CHECK|DEFAULT)`),
		extract: func(_ string, m []string) (Descriptor, bool) {
			s, t := splitQualified(m[1])
			kind, ok := constraintKind(m[3])
			if !ok {
				return Descriptor{}, false
			}
			return Descriptor{Kind: kind, Schema: s, Name: unquote(m[2]), ParentTable: t}, true
		},
	},
	{
		re: regexp.MustCompile(`(?is)^CREATE\s+(?:UNIQUE\s+)?(?:CLUSTERED\s+|NONCLUSTERED\s+)?INDEX\s+(` + identPat + `)\s+ON\s+(` + qualPat + `)`),
		extract: func(_ string, m []string) (Descriptor, bool) {
			s, t := splitQualified(m[2])
			return Descriptor{Kind: KindIndex, Schema: s, Name: unquote(m[1]), ParentTable: t}, true
		},
	},
	{
		re: regexp.MustCompile(`(?is)^CREATE\s+TRIGGER\s+(` + qualPat + `)\s+ON\s+(` + qualPat + `)`),
		extract: func(_ string, m []string) (Descriptor, bool) {
			_, n := splitQualified(m[1])
			s, t := splitQualified(m[2])
			return Descriptor{Kind: KindTrigger, Schema: s, Name: n, ParentTable: t}, true
		},
	},
	{
		re: regexp.MustCompile(`(?is)^CREATE\s+VIEW\s+(` + qualPat + `)`),
		extract: func(_ string, m []string) (Descriptor, bool) {
			s, n := splitQualified(m[1])
			return Descriptor{Kind: KindView, Schema: s, Name: n}, true
		},
	},
	{
		re: regexp.MustCompile(`(?is)^CREATE\s+(?:PROC|PROCEDURE)\s+(` + qualPat + `)`),
		extract: func(_ string, m []string) (Descriptor, bool) {
			s, n := splitQualified(m[1])
			return Descriptor{Kind: KindProcedure, Schema: s, Name: n}, true
		},
	},
	{
		re: regexp.MustCompile(`(?is)^CREATE\s+FUNCTION\s+(` + qualPat + `)`),
		extract: func(_ string, m []string) (Descriptor, bool) {
			s, n := splitQualified(m[1])
			return Descriptor{Kind: KindFunction, Schema: s, Name: n}, true
		},
	},
	{
		re: regexp.MustCompile(`(?is)^(?:EXEC(?:UTE)?\s+)?(?:sys\s*\.\s*)?sp_(?:add|update)extendedproperty\b`),
		extract: func(body string, _ []string) (Descriptor, bool) {
			return classifyExtendedProperty(body)
		},
	},
	{
		re: regexp.MustCompile(`(?is)^CREATE\s+SCHEMA\s+(` + identPat + `)`),
		extract: func(_ string, m []string) (Descriptor, bool) {
			n := unquote(m[1])
			return Descriptor{Kind: KindSchema, Schema: n, Name: n}, true
		},
	},
	{
		re: regexp.MustCompile(`(?is)^CREATE\s+(USER|LOGIN|ROLE)\s+(` + identPat + `)`),
		extract: func(_ string, m []string) (Descriptor, bool) {
			var kind ObjectKind
			switch strings.ToUpper(m[1]) {
			case "USER":
				kind = KindUser
			case "LOGIN":
				kind = KindLogin
			default:
				kind = KindRole
			}
			return Descriptor{Kind: kind, Schema: "dbo", Name: unquote(m[2])}, true
		},
	},
	{
		re: regexp.MustCompile(`(?is)^ALTER\s+DATABASE\s+(` + identPat + `)\s+ADD\s+FILEGROUP\s+(` + identPat + `)`),
		extract: func(_ string, m []string) (Descriptor, bool) {
			return Descriptor{Kind: KindFilegroup, Schema: "dbo", Name: unquote(m[2])}, true
		},
	},
}

// Classify matches one batch against the recognized DDL shapes.
// The second return value is false when no shape matches.
func Classify(batch string) (Descriptor, bool) {
	body := stripLeadingComments(batch)
	if body == "" {
		return Descriptor{}, false
	}
	for _, s := range shapes {
		m := s.re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		if d, ok := s.extract(body, m); ok {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Classified pairs a batch with its classification result.
type Classified struct {
	Batch      string
	Descriptor Descriptor
	Recognized bool
}

// Stats carries classification running totals as explicit values so
// callers can reconcile them against the batch count.
type Stats struct {
	Total        int
	Recognized   int
	Unrecognized int
}

// Reconciles reports whether every batch was accounted for exactly once.
func (s Stats) Reconciles() bool {
	return s.Recognized+s.Unrecognized == s.Total
}

// ClassifyAll classifies every batch and returns the results alongside
// the running totals.
func ClassifyAll(batches []string) ([]Classified, Stats) {
	out := make([]Classified, 0, len(batches))
	stats := Stats{Total: len(batches)}
	for _, b := range batches {
		d, ok := Classify(b)
		if ok {
			stats.Recognized++
		} else {
			stats.Unrecognized++
		}
		out = append(out, Classified{Batch: b, Descriptor: d, Recognized: ok})
	}
	return out, stats
}

var extPropArg = regexp.MustCompile(`(?i)@(level[0-2]type|level[0-2]name)\s*=\s*N?'([^']*)'`)

// classifyExtendedProperty parses the @levelNtype/@levelNname arguments of
// an sp_addextendedproperty call. Column-scoped properties get a synthetic
// Column_Description_<col> name so descriptions address the column they
// document.
func classifyExtendedProperty(batch string) (Descriptor, bool) {
	args := map[string]string{}
	for _, m := range extPropArg.FindAllStringSubmatch(batch, -1) {
		args[strings.ToLower(m[1])] = m[2]
	}
	schema := args["level0name"]
	if schema == "" {
		schema = "dbo"
	}
	table := args["level1name"]
	if table == "" {
		return Descriptor{}, false
	}
	if col, ok := args["level2name"]; ok && strings.EqualFold(args["level2type"], "COLUMN") {
		return Descriptor{
			Kind:        KindExtendedProperty,
			Schema:      schema,
			Name:        "Column_Description_" + col,
			ParentTable: table,
		}, true
	}
	return Descriptor{Kind: KindExtendedProperty, Schema: schema, Name: table, ParentTable: table}, true
}

func constraintKind(keyword string) (ObjectKind, bool) {
	switch strings.ToUpper(NormalizeWhitespace(keyword)) {
	case "PRIMARY KEY":
		return KindPrimaryKey, true
	case "FOREIGN KEY":
		return KindForeignKey, true
	case "CHECK":
		return KindCheckConstraint, true
	case "DEFAULT":
		return KindDefaultConstraint, true
	}
	return "", false
}

// unquote strips surrounding square brackets from an identifier.
func unquote(ident string) string {
	ident = strings.TrimSpace(ident)
	if strings.HasPrefix(ident, "[") && strings.HasSuffix(ident, "]") {
		return ident[1 : len(ident)-1]
	}
	return ident
}

// splitQualified splits a possibly qualified name into (schema, name).
// A missing schema defaults to dbo; a three-part name drops the database
// qualifier.
func splitQualified(qualified string) (schema, name string) {
	parts := splitIdentifiers(qualified)
	switch len(parts) {
	case 0:
		return "dbo", ""
	case 1:
		return "dbo", parts[0]
	case 2:
		return parts[0], parts[1]
	default:
		return parts[len(parts)-2], parts[len(parts)-1]
	}
}

var (
	filegroupDbRe = regexp.MustCompile(`(?is)^ALTER\s+DATABASE\s+(` + identPat + `)\s+(?:ADD|REMOVE)\s+FILEGROUP\b`)
	referencesRe  = regexp.MustCompile(`(?is)\bREFERENCES\s+(` + qualPat + `)`)
)

// FilegroupDatabase returns the database named by an ALTER DATABASE
// filegroup batch.
func FilegroupDatabase(batch string) (string, bool) {
	m := filegroupDbRe.FindStringSubmatch(stripLeadingComments(batch))
	if m == nil {
		return "", false
	}
	return unquote(m[1]), true
}

// ReferencedTable returns the table a foreign key batch points at.
func ReferencedTable(batch string) (schema, table string, ok bool) {
	m := referencesRe.FindStringSubmatch(batch)
	if m == nil {
		return "", "", false
	}
	schema, table = splitQualified(m[1])
	return schema, table, true
}

// KindFromName resolves an object kind from its case-insensitive name.
func KindFromName(name string) (ObjectKind, bool) {
	for k := range kindPriority {
		if strings.EqualFold(string(k), name) {
			return k, true
		}
	}
	return "", false
}

var identToken = regexp.MustCompile(identPat)

// Identifiers splits a possibly bracketed, possibly qualified name into
// its bare parts: "[dbo].[Customer].[Email]" yields dbo, Customer, Email.
func Identifiers(qualified string) []string {
	return splitIdentifiers(qualified)
}

func splitIdentifiers(qualified string) []string {
	raw := identToken.FindAllString(qualified, -1)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		out = append(out, unquote(r))
	}
	return out
}
