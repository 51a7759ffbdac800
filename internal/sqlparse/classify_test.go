package sqlparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitBatches(t *testing.T) {
	script := "CREATE TABLE [dbo].[Customer] ([Id] INT NOT NULL)\nGO\n\nCREATE VIEW [dbo].[ActiveCustomers] AS SELECT * FROM dbo.Customer\nGO 5\nGO\n"

	batches := SplitBatches(script)
	require.Len(t, batches, 2)
	assert.Contains(t, batches[0], "CREATE TABLE")
	assert.Contains(t, batches[1], "CREATE VIEW")
	assert.Equal(t, 3, CountTerminators(script))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		batch string
		want  Descriptor
	}{
		{
			name:  "create table",
			batch: "CREATE TABLE [dbo].[Customer] (\n  [Id] INT NOT NULL\n)",
			want:  Descriptor{Kind: KindTable, Schema: "dbo", Name: "Customer"},
		},
		{
			name:  "create table unbracketed default schema",
			batch: "CREATE TABLE Orders (Id INT)",
			want:  Descriptor{Kind: KindTable, Schema: "dbo", Name: "Orders"},
		},
		{
			name:  "primary key constraint",
			batch: "ALTER TABLE [dbo].[Customer] ADD CONSTRAINT [PK_Customer] PRIMARY KEY CLUSTERED ([Id])",
			want:  Descriptor{Kind: KindPrimaryKey, Schema: "dbo", Name: "PK_Customer", ParentTable: "Customer"},
		},
		{
			name:  "foreign key with check option",
			batch: "ALTER TABLE [sales].[Order] WITH CHECK ADD CONSTRAINT [FK_Order_Customer] FOREIGN KEY ([CustomerId]) REFERENCES [dbo].[Customer] ([Id])",
			want:  Descriptor{Kind: KindForeignKey, Schema: "sales", Name: "FK_Order_Customer", ParentTable: "Order"},
		},
		{
			name:  "check constraint",
			batch: "ALTER TABLE [dbo].[Order] ADD CONSTRAINT [CK_Order_Qty] CHECK ([Qty] > 0)",
			want:  Descriptor{Kind: KindCheckConstraint, Schema: "dbo", Name: "CK_Order_Qty", ParentTable: "Order"},
		},
		{
			name:  "default constraint",
			batch: "ALTER TABLE [dbo].[Order] ADD CONSTRAINT [DF_Order_Created] DEFAULT (getdate()) FOR [Created]",
			want:  Descriptor{Kind: KindDefaultConstraint, Schema: "dbo", Name: "DF_Order_Created", ParentTable: "Order"},
		},
		{
			name:  "nonclustered index",
			batch: "CREATE NONCLUSTERED INDEX [IX_Customer_Email] ON [dbo].[Customer] ([Email])",
			want:  Descriptor{Kind: KindIndex, Schema: "dbo", Name: "IX_Customer_Email", ParentTable: "Customer"},
		},
		{
			name:  "unique clustered index",
			batch: "CREATE UNIQUE CLUSTERED INDEX [IX_U] ON [dbo].[Customer] ([Email])",
			want:  Descriptor{Kind: KindIndex, Schema: "dbo", Name: "IX_U", ParentTable: "Customer"},
		},
		{
			name:  "trigger",
			batch: "CREATE TRIGGER [dbo].[TR_Customer_Audit] ON [dbo].[Customer] AFTER UPDATE AS BEGIN SET NOCOUNT ON END",
			want:  Descriptor{Kind: KindTrigger, Schema: "dbo", Name: "TR_Customer_Audit", ParentTable: "Customer"},
		},
		{
			name:  "view",
			batch: "CREATE VIEW [dbo].[ActiveCustomers]\nAS\nSELECT Id FROM dbo.Customer",
			want:  Descriptor{Kind: KindView, Schema: "dbo", Name: "ActiveCustomers"},
		},
		{
			name:  "procedure short keyword",
			batch: "CREATE PROC [dbo].[usp_GetCustomer] @Id INT AS SELECT 1",
			want:  Descriptor{Kind: KindProcedure, Schema: "dbo", Name: "usp_GetCustomer"},
		},
		{
			name:  "function",
			batch: "CREATE FUNCTION [dbo].[fn_FullName] (@Id INT) RETURNS NVARCHAR(200) AS BEGIN RETURN '' END",
			want:  Descriptor{Kind: KindFunction, Schema: "dbo", Name: "fn_FullName"},
		},
		{
			name:  "column extended property",
			batch: "EXEC sys.sp_addextendedproperty @name=N'MS_Description', @value=N'Customer email', @level0type=N'SCHEMA', @level0name=N'dbo', @level1type=N'TABLE', @level1name=N'Customer', @level2type=N'COLUMN', @level2name=N'Email'",
			want:  Descriptor{Kind: KindExtendedProperty, Schema: "dbo", Name: "Column_Description_Email", ParentTable: "Customer"},
		},
		{
			name:  "table extended property",
			batch: "EXEC sp_updateextendedproperty @name=N'MS_Description', @value=N'Customers', @level0type=N'SCHEMA', @level0name=N'dbo', @level1type=N'TABLE', @level1name=N'Customer'",
			want:  Descriptor{Kind: KindExtendedProperty, Schema: "dbo", Name: "Customer", ParentTable: "Customer"},
		},
		{
			name:  "schema",
			batch: "CREATE SCHEMA [sales]",
			want:  Descriptor{Kind: KindSchema, Schema: "sales", Name: "sales"},
		},
		{
			name:  "filegroup",
			batch: "ALTER DATABASE [Shop] ADD FILEGROUP [Archive]",
			want:  Descriptor{Kind: KindFilegroup, Schema: "dbo", Name: "Archive"},
		},
		{
			name:  "role",
			batch: "CREATE ROLE [readonly]",
			want:  Descriptor{Kind: KindRole, Schema: "dbo", Name: "readonly"},
		},
		{
			name:  "leading comments are skipped",
			batch: "-- Customer table\n/* generated */\nCREATE TABLE [dbo].[Customer] ([Id] INT)",
			want:  Descriptor{Kind: KindTable, Schema: "dbo", Name: "Customer"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.batch)
			require.True(t, ok, "expected batch to be recognized")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyUnrecognized(t *testing.T) {
	for _, batch := range []string{
		"SELECT 1",
		"INSERT INTO dbo.Customer (Id) VALUES (1)",
		"DROP TABLE dbo.Customer",
		"-- comment only",
	} {
		_, ok := Classify(batch)
		assert.False(t, ok, "batch should not be recognized: %s", batch)
	}
}

func TestClassifyAllReconciles(t *testing.T) {
	batches := []string{
		"CREATE TABLE [dbo].[A] ([Id] INT)",
		"SELECT 1",
		"CREATE VIEW [dbo].[V] AS SELECT 1 AS One",
	}

	classified, stats := ClassifyAll(batches)
	require.Len(t, classified, 3)
	assert.Equal(t, 2, stats.Recognized)
	assert.Equal(t, 1, stats.Unrecognized)
	assert.True(t, stats.Reconciles())
}

func TestGroupKey(t *testing.T) {
	table := Descriptor{Kind: KindTable, Schema: "dbo", Name: "Customer"}
	pk := Descriptor{Kind: KindPrimaryKey, Schema: "dbo", Name: "PK_Customer", ParentTable: "Customer"}
	view := Descriptor{Kind: KindView, Schema: "dbo", Name: "Customer"}

	assert.Equal(t, table.GroupKey(), pk.GroupKey(), "table-scoped objects group with their table")
	assert.NotEqual(t, table.GroupKey(), view.GroupKey(), "same name under a different kind is a different group")
}
