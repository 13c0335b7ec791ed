// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package migration holds the types that describe the migration state
// of a collaborative session: the phase its migration tool reports and
// the descriptor for a migration the collaborators have accepted.
package migration

// Phase values specify the migration state of a collaborative session,
// as reported by its migration tool.
type Phase int

const (
	// UNKNOWN is the zero value and never a valid report from a
	// migration tool.
	UNKNOWN Phase = iota

	// COLLABORATING indicates normal collaboration on the current
	// model, with no migration underway.
	COLLABORATING

	// MIGRATING indicates that a migration to a successor version has
	// been accepted and is in progress.
	MIGRATING

	// MIGRATED indicates that the migration has been finalized and a
	// successor container exists.
	MIGRATED
)

var phaseNames = []string{
	"UNKNOWN",
	"COLLABORATING",
	"MIGRATING",
	"MIGRATED",
}

// String returns the name of the phase.
func (p Phase) String() string {
	i := int(p)
	if i < 0 || i >= len(phaseNames) {
		return "UNKNOWN"
	}
	return phaseNames[i]
}

// IsValid reports whether the phase is one a migration tool may report.
func (p Phase) IsValid() bool {
	return p > UNKNOWN && int(p) < len(phaseNames)
}

// IsTerminal reports whether the phase is the end of a migration.
func (p Phase) IsTerminal() bool {
	return p == MIGRATED
}

// ParsePhase converts a phase name to its constant value.
func ParsePhase(target string) (Phase, bool) {
	for i, name := range phaseNames {
		if name == target {
			return Phase(i), Phase(i).IsValid()
		}
	}
	return UNKNOWN, false
}
