// Package migrate renders an ordered change set as one transactional
// migration script.
package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/trellen/sqlmigra/internal/sqlparse"
)

// Phase is one of the four render phases. Renames run first so later
// statements address objects by their final names; drops precede
// creates so replaced objects never collide.
type Phase int

const (
	PhaseRename Phase = iota
	PhaseDrop
	PhaseModify
	PhaseCreate
)

func (p Phase) String() string {
	switch p {
	case PhaseRename:
		return "Rename"
	case PhaseDrop:
		return "Drop"
	case PhaseModify:
		return "Modify"
	default:
		return "Create"
	}
}

// Statement is one rendered batch plus the object it affects.
type Statement struct {
	SQL        string
	Phase      Phase
	Descriptor sqlparse.Descriptor
	Operation  string
}

// Script is a fully rendered migration: framing (transaction wrapper and
// history guard) around phase-ordered DDL statements.
type Script struct {
	ID         string
	Checksum   string
	Timestamp  time.Time
	Actor      string
	Statements []Statement
}

// MigrationHistoryTable is the database-resident table recording applied
// migration identifiers. The guard consults it before any DDL runs.
const MigrationHistoryTable = "[dbo].[__MigrationHistory]"

// Render produces the full script text. Each statement is its own batch;
// the first statement of every phase is preceded by a phase marker
// comment. The guard sets NOEXEC when the migration identifier is
// already recorded, so re-running an applied script executes no DDL.
func (s *Script) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- Migration-Id: %s\n", s.ID)
	fmt.Fprintf(&b, "-- Checksum: %s\n", s.Checksum)
	fmt.Fprintf(&b, "-- Generated: %s\n", s.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "-- Actor: %s\n", s.Actor)
	b.WriteString("SET XACT_ABORT ON;\nGO\n")
	fmt.Fprintf(&b, `IF EXISTS (SELECT 1 FROM %s WHERE [MigrationId] = N'%s')
BEGIN
    PRINT 'Migration %s already applied; skipping.';
    SET NOEXEC ON;
END;
GO
BEGIN TRANSACTION;
GO
`, MigrationHistoryTable, s.ID, s.ID)

	last := Phase(-1)
	for _, stmt := range s.Statements {
		if stmt.Phase != last {
			fmt.Fprintf(&b, "-- Phase: %s\n", stmt.Phase)
			last = stmt.Phase
		}
		b.WriteString(strings.TrimRight(stmt.SQL, "\n"))
		b.WriteString("\nGO\n")
	}

	fmt.Fprintf(&b, `INSERT INTO %s ([MigrationId], [Checksum], [Status], [AppliedAt], [AppliedBy])
VALUES (N'%s', N'%s', N'applied', SYSUTCDATETIME(), N'%s');
GO
COMMIT TRANSACTION;
GO
SET NOEXEC OFF;
GO
`, MigrationHistoryTable, s.ID, s.Checksum, s.Actor)
	return b.String()
}

// checksum hashes the DDL statements only, so identical change sets hash
// identically across runs regardless of timestamp and actor.
func checksum(statements []Statement) string {
	h := sha256.New()
	for _, stmt := range statements {
		h.Write([]byte(stmt.SQL))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
