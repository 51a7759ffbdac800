package snapshot

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/trellen/sqlmigra/internal/sqlparse"
)

// DependentForeignKeys returns the foreign key definition batches in the
// snapshot tree whose REFERENCES clause points at the given table. A
// table recreation needs them: every referencing constraint must come
// off before the original table can be dropped. A missing root yields no
// dependents.
func DependentForeignKeys(root, schema, table string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), "FK_") || !strings.EqualFold(filepath.Ext(p), ".sql") {
			return nil
		}
		text, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		for _, batch := range sqlparse.SplitBatches(string(text)) {
			desc, ok := sqlparse.Classify(batch)
			if !ok || desc.Kind != sqlparse.KindForeignKey {
				continue
			}
			refSchema, refTable, ok := sqlparse.ReferencedTable(batch)
			if !ok {
				continue
			}
			if strings.EqualFold(refSchema, schema) && strings.EqualFold(refTable, table) {
				out = append(out, batch)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
