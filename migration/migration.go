// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import "github.com/juju/errors"

// Accepted records the agreement the collaborators have reached on a
// migration: which version to migrate to, and the point in the
// predecessor session's history at which exported data is considered
// authoritative. It is immutable once observed for a given migration.
type Accepted struct {
	// TargetVersion is the successor model version to migrate to. It
	// is opaque to the migrator; only the model loader interprets it.
	TargetVersion string

	// SequenceNumber is the logical point in the predecessor session's
	// history at which to cut over. Local changes not yet acknowledged
	// at that point, and remote changes after it, are excluded from
	// the migrated data.
	SequenceNumber int64
}

// Validate returns an error if the descriptor could not have come from
// a well-behaved migration tool.
func (a Accepted) Validate() error {
	if a.TargetVersion == "" {
		return errors.NotValidf("empty TargetVersion")
	}
	if a.SequenceNumber < 0 {
		return errors.NotValidf("negative SequenceNumber")
	}
	return nil
}
