package sqlparse

import (
	"regexp"
	"strings"
)

// ColumnDef holds the parsed attributes of one column definition. Rename
// equivalence compares these fields structurally instead of raw text,
// since serialization formatting differs even when semantics match.
type ColumnDef struct {
	Name     string
	DataType string // normalized upper case, precision/scale retained
	Nullable bool
	Default  string // normalized literal, empty when absent
	Identity bool
	Computed bool
}

// Equivalent reports whether two columns are structurally equal ignoring
// the column name.
func (c ColumnDef) Equivalent(other ColumnDef) bool {
	return c.DataType == other.DataType &&
		c.Nullable == other.Nullable &&
		c.Default == other.Default &&
		c.Identity == other.Identity &&
		c.Computed == other.Computed
}

// TableBody extracts the column-list body of a CREATE TABLE statement:
// the text between the outermost parentheses.
func TableBody(stmt string) (string, bool) {
	open := strings.IndexByte(stmt, '(')
	if open < 0 {
		return "", false
	}
	depth := 0
	inString := false
	for i := open; i < len(stmt); i++ {
		switch stmt[i] {
		case '\'':
			inString = !inString
		case '(':
			if !inString {
				depth++
			}
		case ')':
			if !inString {
				depth--
				if depth == 0 {
					return stmt[open+1 : i], true
				}
			}
		}
	}
	return "", false
}

// SplitColumnDefs splits a table body into individual definitions on
// top-level commas. Nested parentheses are respected so typed parameters
// like DECIMAL(18,2) stay intact.
func SplitColumnDefs(body string) []string {
	var defs []string
	depth := 0
	inString := false
	start := 0
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\'':
			inString = !inString
		case '(':
			if !inString {
				depth++
			}
		case ')':
			if !inString {
				depth--
			}
		case ',':
			if depth == 0 && !inString {
				if def := strings.TrimSpace(body[start:i]); def != "" {
					defs = append(defs, def)
				}
				start = i + 1
			}
		}
	}
	if def := strings.TrimSpace(body[start:]); def != "" {
		defs = append(defs, def)
	}
	return defs
}

var (
	columnHead = regexp.MustCompile(`(?is)^(` + identPat + `)\s+((?:[A-Za-z_][\w]*)(?:\s*\(\s*(?:MAX|\d+(?:\s*,\s*\d+)?)\s*\))?)`)
	notNullRe  = regexp.MustCompile(`(?i)\bNOT\s+NULL\b`)
	identityRe = regexp.MustCompile(`(?i)\bIDENTITY\s*(?:\(\s*\d+\s*,\s*\d+\s*\))?`)
	defaultRe  = regexp.MustCompile(`(?i)\bDEFAULT\s*(\((?:[^()]|\([^()]*\))*\)|'[^']*'|[\w.]+)`)
	computedRe = regexp.MustCompile(`(?is)^` + identPat + `\s+AS\s*\(`)
	tableLevel = regexp.MustCompile(`(?i)^(?:CONSTRAINT|PRIMARY\s+KEY|FOREIGN\s+KEY|CHECK|UNIQUE|PERIOD|INDEX)\b`)
)

// ParseColumnDef parses one column definition from a table body. Returns
// false for table-level entries (inline constraints) and anything that
// does not look like a column.
func ParseColumnDef(def string) (ColumnDef, bool) {
	def = strings.TrimSpace(def)
	if def == "" || tableLevel.MatchString(def) {
		return ColumnDef{}, false
	}
	if computedRe.MatchString(def) {
		name := unquote(identToken.FindString(def))
		return ColumnDef{Name: name, Computed: true, DataType: normalizeType(def)}, true
	}
	m := columnHead.FindStringSubmatch(def)
	if m == nil {
		return ColumnDef{}, false
	}
	col := ColumnDef{
		Name:     unquote(m[1]),
		DataType: normalizeType(m[2]),
	}
	rest := def[len(m[0]):]
	// A column with neither marker defaults to nullable in SQL Server.
	col.Nullable = !notNullRe.MatchString(rest)
	col.Identity = identityRe.MatchString(rest)
	if dm := defaultRe.FindStringSubmatch(rest); dm != nil {
		col.Default = NormalizeDefault(dm[1])
	}
	return col, true
}

// normalizeType upper-cases a type expression and removes whitespace
// around and inside its precision/scale list so DECIMAL(18, 2),
// decimal (18,2) and DECIMAL(18,2) all compare equal.
func normalizeType(t string) string {
	t = strings.ToUpper(whitespaceRun.ReplaceAllString(strings.TrimSpace(t), " "))
	t = strings.ReplaceAll(t, " (", "(")
	var b strings.Builder
	inParens := false
	for _, r := range t {
		switch r {
		case '(':
			inParens = true
		case ')':
			inParens = false
		}
		if inParens && r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeDefault strips redundant wrapping parentheses and whitespace
// from a default literal. SQL Server serializes defaults as ((0)) or
// (getdate()); both compare equal to their bare forms.
func NormalizeDefault(lit string) string {
	lit = strings.TrimSpace(lit)
	for strings.HasPrefix(lit, "(") && strings.HasSuffix(lit, ")") {
		inner := strings.TrimSpace(lit[1 : len(lit)-1])
		if !balanced(inner) {
			break
		}
		lit = inner
	}
	return strings.ToUpper(lit)
}

func balanced(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeWhitespace collapses whitespace runs to single spaces and
// removes spaces adjacent to parentheses and commas, for text-level
// equivalence comparison.
func NormalizeWhitespace(s string) string {
	s = whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
	s = strings.ReplaceAll(s, " (", "(")
	s = strings.ReplaceAll(s, "( ", "(")
	s = strings.ReplaceAll(s, " )", ")")
	s = strings.ReplaceAll(s, ") ", ")")
	s = strings.ReplaceAll(s, " ,", ",")
	s = strings.ReplaceAll(s, ", ", ",")
	return s
}

// ReplaceWholeWord substitutes every whole-word occurrence of old with
// replacement, case-insensitively.
func ReplaceWholeWord(s, old, replacement string) string {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(old) + `\b`)
	return re.ReplaceAllString(s, replacement)
}
