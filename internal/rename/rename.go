// Package rename pairs deletions with additions of equivalent structure
// and merges them into rename changes.
package rename

import (
	"sort"
	"strings"

	"github.com/trellen/sqlmigra/internal/change"
	"github.com/trellen/sqlmigra/internal/diff"
	"github.com/trellen/sqlmigra/internal/sqlparse"
)

// Detect scans the change set for delete/add pairs that are the same
// object under a new name and replaces each pair with a single rename
// change. Candidates are matched within the same object type, schema and
// (for table-scoped kinds) table. Matching is first-match-wins over
// candidates sorted by name, so the outcome does not depend on input
// order. Unmatched changes pass through untouched.
func Detect(changes []change.SchemaChange) []change.SchemaChange {
	type bucket struct {
		deleted []int
		added   []int
	}
	buckets := map[string]*bucket{}
	for i, c := range changes {
		if c.Kind != diff.Deleted && c.Kind != diff.Added {
			continue
		}
		key := scopeKey(c)
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		if c.Kind == diff.Deleted {
			b.deleted = append(b.deleted, i)
		} else {
			b.added = append(b.added, i)
		}
	}

	matched := map[int]int{} // deleted index -> added index
	consumed := map[int]bool{}
	for _, b := range buckets {
		byName := func(idx []int) {
			sort.Slice(idx, func(i, j int) bool {
				a, z := changes[idx[i]].ObjectName, changes[idx[j]].ObjectName
				if !strings.EqualFold(a, z) {
					return strings.ToLower(a) < strings.ToLower(z)
				}
				return idx[i] < idx[j]
			})
		}
		byName(b.deleted)
		byName(b.added)

		for _, di := range b.deleted {
			for _, ai := range b.added {
				if consumed[ai] {
					continue
				}
				if equivalent(changes[di], changes[ai]) {
					matched[di] = ai
					consumed[ai] = true
					break
				}
			}
		}
	}

	out := make([]change.SchemaChange, 0, len(changes))
	for i, c := range changes {
		if ai, ok := matched[i]; ok {
			out = append(out, merge(c, changes[ai]))
			continue
		}
		if consumed[i] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func scopeKey(c change.SchemaChange) string {
	key := string(c.ObjectType) + "|" + strings.ToLower(c.Schema)
	if c.ObjectType.TableScoped() || c.ObjectType == sqlparse.KindColumn {
		key += "|" + strings.ToLower(c.TableName)
	}
	return key
}

// equivalent reports whether the deleted object and the added object are
// structurally the same thing under different names.
func equivalent(deleted, added change.SchemaChange) bool {
	if deleted.ObjectType == sqlparse.KindColumn {
		return columnsEquivalent(deleted, added)
	}
	// Substitute the old name for the candidate name in the deleted
	// body, then compare whitespace-normalized text.
	substituted := sqlparse.ReplaceWholeWord(deleted.OldDefinition, deleted.ObjectName, added.ObjectName)
	return strings.EqualFold(
		sqlparse.NormalizeWhitespace(substituted),
		sqlparse.NormalizeWhitespace(added.NewDefinition),
	)
}

// columnsEquivalent compares parsed column attributes rather than raw
// text: data type with precision and scale, nullability, default literal
// and identity flag all have to match. Serialization formatting differs
// even when semantics agree, so a text comparison would miss renames.
func columnsEquivalent(deleted, added change.SchemaChange) bool {
	oldCol, ok := sqlparse.ParseColumnDef(deleted.OldDefinition)
	if !ok {
		return false
	}
	newCol, ok := sqlparse.ParseColumnDef(added.NewDefinition)
	if !ok {
		return false
	}
	return oldCol.Equivalent(newCol)
}

func merge(deleted, added change.SchemaChange) change.SchemaChange {
	merged := change.SchemaChange{
		ObjectType:    deleted.ObjectType,
		Schema:        deleted.Schema,
		ObjectName:    added.ObjectName,
		TableName:     deleted.TableName,
		Kind:          diff.Modified,
		OldDefinition: deleted.OldDefinition,
		NewDefinition: added.NewDefinition,
	}
	if deleted.ObjectType == sqlparse.KindColumn {
		merged.ColumnName = added.ColumnName
	}
	merged.SetProperty(change.PropIsRename, "true")
	merged.SetProperty(change.PropOldName, deleted.ObjectName)
	merged.SetProperty(change.PropRenameKind, string(deleted.ObjectType))
	return merged
}
