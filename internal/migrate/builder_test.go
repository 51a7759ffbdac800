package migrate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellen/sqlmigra/internal/change"
	"github.com/trellen/sqlmigra/internal/diff"
	"github.com/trellen/sqlmigra/internal/sqlparse"
)

func testBuilder() *Builder {
	return &Builder{
		Actor: "tester",
		Now:   func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) },
	}
}

func columnAdd(table, name, def string) change.SchemaChange {
	return change.SchemaChange{
		ObjectType: sqlparse.KindColumn, Schema: "dbo", TableName: table,
		ObjectName: name, ColumnName: name, Kind: diff.Added, NewDefinition: def,
	}
}

func defaultAdd(table, name, def string) change.SchemaChange {
	return change.SchemaChange{
		ObjectType: sqlparse.KindDefaultConstraint, Schema: "dbo", TableName: table,
		ObjectName: name, Kind: diff.Added, NewDefinition: def,
	}
}

func TestBuildInlineDefaultFusion(t *testing.T) {
	changes := []change.SchemaChange{
		columnAdd("Customer", "Status", "[Status] INT NOT NULL"),
		defaultAdd("Customer", "DF_Customer_Status",
			"ALTER TABLE [dbo].[Customer] ADD CONSTRAINT [DF_Customer_Status] DEFAULT ((1)) FOR [Status]"),
	}

	script, err := testBuilder().Build(changes)
	require.NoError(t, err)

	rendered := script.Render()
	assert.Contains(t, rendered, "ADD [Status] INT DEFAULT (1) NOT NULL;")
	assert.NotContains(t, rendered, "ADD CONSTRAINT [DF_Customer_Status]",
		"the fused constraint must not render standalone")
	assert.Contains(t, rendered, "folded into column add")
}

func TestBuildNullableDefaultStaysSeparate(t *testing.T) {
	changes := []change.SchemaChange{
		columnAdd("Customer", "Nickname", "[Nickname] NVARCHAR(50) NULL"),
		defaultAdd("Customer", "DF_Customer_Nickname",
			"ALTER TABLE [dbo].[Customer] ADD CONSTRAINT [DF_Customer_Nickname] DEFAULT ('') FOR [Nickname]"),
	}

	script, err := testBuilder().Build(changes)
	require.NoError(t, err)

	rendered := script.Render()
	addIdx := strings.Index(rendered, "ADD [Nickname] NVARCHAR(50) NULL;")
	dfIdx := strings.Index(rendered, "ADD CONSTRAINT [DF_Customer_Nickname]")
	require.Greater(t, addIdx, -1)
	require.Greater(t, dfIdx, -1)
	assert.Greater(t, dfIdx, addIdx, "the default follows the column add as its own statement")
	assert.NotContains(t, rendered, "DEFAULT ('') NULL", "nullable adds never fold the default inline")
}

func TestBuildPhaseOrdering(t *testing.T) {
	changes := []change.SchemaChange{
		{
			ObjectType: sqlparse.KindView, Schema: "dbo", ObjectName: "NewView",
			Kind: diff.Added, NewDefinition: "CREATE VIEW [dbo].[NewView] AS SELECT 1 AS One",
		},
		{
			ObjectType: sqlparse.KindView, Schema: "dbo", ObjectName: "OldView",
			Kind: diff.Deleted, OldDefinition: "CREATE VIEW [dbo].[OldView] AS SELECT 1 AS One",
		},
		columnAdd("Customer", "Email", "[Email] NVARCHAR(100) NULL"),
		func() change.SchemaChange {
			c := change.SchemaChange{
				ObjectType: sqlparse.KindColumn, Schema: "dbo", TableName: "Customer",
				ObjectName: "FullName", ColumnName: "FullName", Kind: diff.Modified,
				OldDefinition: "[Name] NVARCHAR(200) NOT NULL",
				NewDefinition: "[FullName] NVARCHAR(200) NOT NULL",
			}
			c.SetProperty(change.PropIsRename, "true")
			c.SetProperty(change.PropOldName, "Name")
			return c
		}(),
	}

	script, err := testBuilder().Build(changes)
	require.NoError(t, err)
	rendered := script.Render()

	markers := []string{"-- Phase: Rename", "-- Phase: Drop", "-- Phase: Modify", "-- Phase: Create"}
	last := -1
	for _, m := range markers {
		idx := strings.Index(rendered, m)
		require.Greater(t, idx, -1, "missing %q", m)
		assert.Greater(t, idx, last, "%q out of order", m)
		last = idx
	}
}

func TestBuildDropOrderReversesDependencies(t *testing.T) {
	changes := []change.SchemaChange{
		{
			ObjectType: sqlparse.KindTable, Schema: "dbo", ObjectName: "Orphan",
			Kind: diff.Deleted, OldDefinition: "CREATE TABLE [dbo].[Orphan] ([Id] INT)",
		},
		{
			ObjectType: sqlparse.KindForeignKey, Schema: "dbo", TableName: "Child", ObjectName: "FK_Child_Orphan",
			Kind:          diff.Deleted,
			OldDefinition: "ALTER TABLE [dbo].[Child] ADD CONSTRAINT [FK_Child_Orphan] FOREIGN KEY ([OrphanId]) REFERENCES [dbo].[Orphan] ([Id])",
		},
	}

	script, err := testBuilder().Build(changes)
	require.NoError(t, err)
	rendered := script.Render()

	fkIdx := strings.Index(rendered, "DROP CONSTRAINT [FK_Child_Orphan]")
	tblIdx := strings.Index(rendered, "DROP TABLE [dbo].[Orphan]")
	require.Greater(t, fkIdx, -1)
	require.Greater(t, tblIdx, -1)
	assert.Less(t, fkIdx, tblIdx, "foreign keys drop before the tables they depend on")
}

func TestBuildRenameStatements(t *testing.T) {
	c := change.SchemaChange{
		ObjectType: sqlparse.KindColumn, Schema: "dbo", TableName: "Customer",
		ObjectName: "Email", ColumnName: "Email", Kind: diff.Modified,
		OldDefinition: "[EmailAddress] NVARCHAR(100) NOT NULL",
		NewDefinition: "[Email] NVARCHAR(100) NOT NULL",
	}
	c.SetProperty(change.PropIsRename, "true")
	c.SetProperty(change.PropOldName, "EmailAddress")

	script, err := testBuilder().Build([]change.SchemaChange{c})
	require.NoError(t, err)
	assert.Contains(t, script.Render(), "EXEC sp_rename N'[dbo].[Customer].[EmailAddress]', N'Email', 'COLUMN';")
}

func TestBuildIdentityChangeRecreatesTable(t *testing.T) {
	oldDef := "CREATE TABLE [dbo].[Tag] (\n\t[Id] INT NOT NULL,\n\t[Name] NVARCHAR(50) NOT NULL\n)"
	newDef := "CREATE TABLE [dbo].[Tag] (\n\t[Id] INT IDENTITY(1,1) NOT NULL,\n\t[Name] NVARCHAR(50) NOT NULL\n)"
	c := change.SchemaChange{
		ObjectType: sqlparse.KindColumn, Schema: "dbo", TableName: "Tag",
		ObjectName: "Id", ColumnName: "Id", Kind: diff.Modified,
		OldDefinition: "[Id] INT NOT NULL",
		NewDefinition: "[Id] INT IDENTITY(1,1) NOT NULL",
	}
	c.SetProperty(change.PropOldTableDefinition, oldDef)
	c.SetProperty(change.PropTableDefinition, newDef)

	script, err := testBuilder().Build([]change.SchemaChange{c})
	require.NoError(t, err)
	rendered := script.Render()

	assert.Contains(t, rendered, "[tmp_Tag]")
	assert.Contains(t, rendered, "INSERT INTO [dbo].[tmp_Tag] ([Id], [Name])")
	assert.Contains(t, rendered, "SET IDENTITY_INSERT [dbo].[tmp_Tag] ON;")
	assert.Contains(t, rendered, "DROP TABLE [dbo].[Tag];")
	assert.Contains(t, rendered, "EXEC sp_rename N'[dbo].[tmp_Tag]', N'Tag';")

	createIdx := strings.Index(rendered, "CREATE TABLE [dbo].[tmp_Tag]")
	dropIdx := strings.Index(rendered, "DROP TABLE [dbo].[Tag];")
	renameIdx := strings.Index(rendered, "EXEC sp_rename N'[dbo].[tmp_Tag]'")
	assert.Less(t, createIdx, dropIdx)
	assert.Less(t, dropIdx, renameIdx)
}

func identityFlip() change.SchemaChange {
	c := change.SchemaChange{
		ObjectType: sqlparse.KindColumn, Schema: "dbo", TableName: "Tag",
		ObjectName: "Id", ColumnName: "Id", Kind: diff.Modified,
		OldDefinition: "[Id] INT NOT NULL",
		NewDefinition: "[Id] INT IDENTITY(1,1) NOT NULL",
	}
	c.SetProperty(change.PropOldTableDefinition, "CREATE TABLE [dbo].[Tag] (\n\t[Id] INT NOT NULL\n)")
	c.SetProperty(change.PropTableDefinition, "CREATE TABLE [dbo].[Tag] (\n\t[Id] INT IDENTITY(1,1) NOT NULL\n)")
	return c
}

const postTagFK = "ALTER TABLE [dbo].[Post] ADD CONSTRAINT [FK_Post_Tag] FOREIGN KEY ([TagId]) REFERENCES [dbo].[Tag] ([Id])"

func TestBuildRecreationDropsAndReaddsDependents(t *testing.T) {
	b := testBuilder()
	b.Dependents = func(schema, table string) ([]string, error) {
		if schema == "dbo" && table == "Tag" {
			return []string{postTagFK}, nil
		}
		return nil, nil
	}

	script, err := b.Build([]change.SchemaChange{identityFlip()})
	require.NoError(t, err)
	rendered := script.Render()

	fkDropIdx := strings.Index(rendered, "ALTER TABLE [dbo].[Post] DROP CONSTRAINT [FK_Post_Tag];")
	tblDropIdx := strings.Index(rendered, "DROP TABLE [dbo].[Tag];")
	renameIdx := strings.Index(rendered, "EXEC sp_rename N'[dbo].[tmp_Tag]'")
	readdIdx := strings.Index(rendered, "ADD CONSTRAINT [FK_Post_Tag]")
	require.Greater(t, fkDropIdx, -1, "referencing constraints come off before the table drop")
	require.Greater(t, readdIdx, -1)
	assert.Less(t, fkDropIdx, tblDropIdx)
	assert.Less(t, renameIdx, readdIdx, "constraints re-attach after the rename")
}

func TestBuildRecreationSkipsTouchedForeignKeys(t *testing.T) {
	b := testBuilder()
	b.Dependents = func(string, string) ([]string, error) {
		return []string{postTagFK}, nil
	}

	fkDrop := change.SchemaChange{
		ObjectType: sqlparse.KindForeignKey, Schema: "dbo", TableName: "Post",
		ObjectName: "FK_Post_Tag", Kind: diff.Deleted, OldDefinition: postTagFK,
	}
	script, err := b.Build([]change.SchemaChange{identityFlip(), fkDrop})
	require.NoError(t, err)
	rendered := script.Render()

	drops := strings.Count(rendered, "DROP CONSTRAINT [FK_Post_Tag]")
	assert.Equal(t, 1, drops, "a constraint the change set already drops is not dropped again")
	assert.NotContains(t, rendered, "ADD CONSTRAINT [FK_Post_Tag]",
		"a deleted constraint must not come back with the recreation")
}

func TestBuildGuardAndHistory(t *testing.T) {
	script, err := testBuilder().Build([]change.SchemaChange{
		columnAdd("T", "A", "[A] INT NULL"),
	})
	require.NoError(t, err)
	rendered := script.Render()

	assert.Equal(t, "20260828120000_1a0m0d", script.ID)
	assert.Contains(t, rendered, "-- Migration-Id: "+script.ID)
	assert.Contains(t, rendered, "-- Checksum: "+script.Checksum)
	assert.Contains(t, rendered, "SET XACT_ABORT ON;")
	assert.Contains(t, rendered, "SET NOEXEC ON;")
	assert.Contains(t, rendered, "INSERT INTO "+MigrationHistoryTable)

	guardIdx := strings.Index(rendered, "SET NOEXEC ON;")
	ddlIdx := strings.Index(rendered, "ALTER TABLE")
	assert.Less(t, guardIdx, ddlIdx, "the guard short-circuits before any DDL")
}

func TestBuildChecksumStableAcrossRuns(t *testing.T) {
	changes := []change.SchemaChange{
		columnAdd("T", "A", "[A] INT NULL"),
		columnAdd("T", "B", "[B] INT NULL"),
	}

	b1 := testBuilder()
	b2 := testBuilder()
	b2.Now = func() time.Time { return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC) }

	s1, err := b1.Build(changes)
	require.NoError(t, err)
	s2, err := b2.Build(changes)
	require.NoError(t, err)

	assert.Equal(t, s1.Checksum, s2.Checksum, "checksum covers statements, not the stamp")
	assert.NotEqual(t, s1.ID, s2.ID, "identifier carries the timestamp")
}
