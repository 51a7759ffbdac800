// Full pipeline tests: schema dump to snapshot tree to published
// migration directory. These run without a database; the pipeline works
// entirely on files.
package integration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellen/sqlmigra"
	"github.com/trellen/sqlmigra/internal/sqlparse"
)

const oldDump = `CREATE TABLE [dbo].[Customer] (
	[Id] INT IDENTITY(1,1) NOT NULL,
	[Name] NVARCHAR(100) NOT NULL,
	[Email] NVARCHAR(255) NULL
)
GO
ALTER TABLE [dbo].[Customer] ADD CONSTRAINT [PK_Customer] PRIMARY KEY CLUSTERED ([Id])
GO
CREATE TABLE [dbo].[Order] (
	[Id] INT IDENTITY(1,1) NOT NULL,
	[CustomerId] INT NOT NULL,
	[Total] DECIMAL(18, 2) NOT NULL
)
GO
ALTER TABLE [dbo].[Order] ADD CONSTRAINT [FK_Order_Customer] FOREIGN KEY ([CustomerId]) REFERENCES [dbo].[Customer] ([Id])
GO
CREATE NONCLUSTERED INDEX [IDX_Order_CustomerId] ON [dbo].[Order] ([CustomerId])
GO
CREATE VIEW [dbo].[CustomerOrders] AS SELECT [c].[Name], [o].[Total] FROM [dbo].[Customer] [c] JOIN [dbo].[Order] [o] ON [o].[CustomerId] = [c].[Id]
GO
`

const newDump = `CREATE TABLE [dbo].[Customer] (
	[Id] INT IDENTITY(1,1) NOT NULL,
	[Name] NVARCHAR(200) NOT NULL,
	[Email] NVARCHAR(255) NULL,
	[Status] INT NOT NULL
)
GO
ALTER TABLE [dbo].[Customer] ADD CONSTRAINT [PK_Customer] PRIMARY KEY CLUSTERED ([Id])
GO
ALTER TABLE [dbo].[Customer] ADD CONSTRAINT [DF_Customer_Status] DEFAULT ((1)) FOR [Status]
GO
CREATE TABLE [dbo].[Order] (
	[Id] INT IDENTITY(1,1) NOT NULL,
	[CustomerId] INT NOT NULL,
	[Total] DECIMAL(18, 2) NOT NULL
)
GO
ALTER TABLE [dbo].[Order] ADD CONSTRAINT [FK_Order_Customer] FOREIGN KEY ([CustomerId]) REFERENCES [dbo].[Customer] ([Id])
GO
CREATE NONCLUSTERED INDEX [IDX_Order_CustomerId] ON [dbo].[Order] ([CustomerId])
GO
CREATE TABLE [dbo].[Invoice] (
	[Id] INT IDENTITY(1,1) NOT NULL,
	[OrderId] INT NOT NULL
)
GO
`

func snapshotDump(t *testing.T, dump string) string {
	t.Helper()
	root := t.TempDir()
	report, err := sqlmigra.Snapshot(context.Background(), &sqlmigra.SnapshotOptions{
		Root:     root,
		Server:   "sql01",
		Database: "shop",
		Dump:     dump,
	})
	require.NoError(t, err)
	require.Equal(t, report.Batches, report.Recognized, "every dump statement must classify")
	return root
}

func generate(t *testing.T, oldRoot, newRoot string) *sqlmigra.GenerateResult {
	t.Helper()
	result, err := sqlmigra.Generate(context.Background(), &sqlmigra.GenerateOptions{
		OldRoot:       oldRoot,
		NewRoot:       newRoot,
		MigrationsDir: t.TempDir(),
		Actor:         "tester",
		Now:           func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return result
}

func TestPipelineDumpToMigration(t *testing.T) {
	oldRoot := snapshotDump(t, oldDump)
	newRoot := snapshotDump(t, newDump)

	result := generate(t, oldRoot, newRoot)

	// New dump: widened Name, added Status with NOT NULL default,
	// added the Invoice table, dropped the view.
	assert.Contains(t, result.Script, "ALTER TABLE [dbo].[Customer] ALTER COLUMN [Name] NVARCHAR(200) NOT NULL;")
	assert.Contains(t, result.Script, "ADD [Status] INT DEFAULT (1) NOT NULL;")
	assert.Contains(t, result.Script, "DROP VIEW [dbo].[CustomerOrders];")
	assert.Contains(t, result.Script, "CREATE TABLE [dbo].[Invoice]")
	assert.NotContains(t, result.Script, "ADD CONSTRAINT [DF_Customer_Status]",
		"the default folds into the NOT NULL column add")

	// Drops run before modifications and creations.
	dropIdx := strings.Index(result.Script, "-- Phase: Drop")
	modifyIdx := strings.Index(result.Script, "-- Phase: Modify")
	createIdx := strings.Index(result.Script, "-- Phase: Create")
	require.GreaterOrEqual(t, dropIdx, 0)
	require.GreaterOrEqual(t, modifyIdx, 0)
	require.GreaterOrEqual(t, createIdx, 0)
	assert.Less(t, dropIdx, modifyIdx)
	assert.Less(t, modifyIdx, createIdx)

	// Transaction envelope and history guard.
	assert.Contains(t, result.Script, "SET XACT_ABORT ON;")
	assert.Contains(t, result.Script, "[dbo].[__MigrationHistory]")
	assert.Contains(t, result.Script, "COMMIT TRANSACTION;")
}

func TestPipelinePublishedDirectory(t *testing.T) {
	oldRoot := snapshotDump(t, oldDump)
	newRoot := snapshotDump(t, newDump)

	result := generate(t, oldRoot, newRoot)

	data, err := os.ReadFile(filepath.Join(result.Dir, "manifest.json"))
	require.NoError(t, err)

	var manifest struct {
		MigrationID    string `json:"migrationId"`
		Checksum       string `json:"checksum"`
		TotalSegments  int    `json:"totalSegments"`
		ExecutionOrder []struct {
			Sequence int    `json:"sequence"`
			Filename string `json:"filename"`
		} `json:"executionOrder"`
	}
	require.NoError(t, json.Unmarshal(data, &manifest))

	assert.Equal(t, result.MigrationID, manifest.MigrationID)
	assert.Equal(t, result.Checksum, manifest.Checksum)
	assert.Equal(t, result.Segments, manifest.TotalSegments)

	// Concatenating segment files in manifest order reproduces every
	// statement of the script.
	var segments []string
	for i, entry := range manifest.ExecutionOrder {
		assert.Equal(t, i+1, entry.Sequence)
		content, err := os.ReadFile(filepath.Join(result.Dir, entry.Filename))
		require.NoError(t, err)
		segments = append(segments, string(content))
	}
	want := statementSet(result.Script)
	got := statementSet(strings.Join(segments, "\n"))
	assert.Equal(t, want, got)
}

func TestPipelineChecksumIdempotent(t *testing.T) {
	oldRoot := snapshotDump(t, oldDump)
	newRoot := snapshotDump(t, newDump)

	first := generate(t, oldRoot, newRoot)
	second := generate(t, oldRoot, newRoot)
	assert.Equal(t, first.Checksum, second.Checksum, "same trees must hash identically")
	assert.Equal(t, first.MigrationID, second.MigrationID)
}

// statementSet splits a script into batches and returns them sorted, so
// two scripts compare as statement multisets.
func statementSet(script string) []string {
	out := sqlparse.SplitBatches(script)
	sort.Strings(out)
	return out
}
