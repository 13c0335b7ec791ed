// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sessionmigrator

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/juju/sessionmigrator/migration"
)

// MigrationTool tracks the proposal, acceptance, assignment and result
// of a migration for a single session. It is shared by all clients of
// that session; its state may change out-of-band at any suspension
// point, so callers must re-validate phase and ownership after every
// blocking call rather than trusting previously observed state.
type MigrationTool interface {

	// MigrationState returns the phase of the session's migration.
	MigrationState() migration.Phase

	// AcceptedMigration returns the descriptor for the migration the
	// collaborators have agreed on, once one exists. A tool reporting
	// MIGRATING or MIGRATED must have one.
	AcceptedMigration() (migration.Accepted, bool)

	// Connected reports whether the tool currently has a live
	// connection to the session.
	Connected() bool

	// NewContainerID returns the id of the migrated container, once
	// some client has finalized the migration.
	NewContainerID() (string, bool)

	// VolunteerForMigration offers to perform the one-time finalize
	// action. It returns true if this client was granted the task,
	// and an error when the offer could not be made at all, which in
	// practice means the connection was lost.
	VolunteerForMigration(ctx context.Context) (bool, error)

	// HaveMigrationTask reports whether this client still holds the
	// finalize task. Ownership can be lost at any time, typically on
	// disconnection.
	HaveMigrationTask() bool

	// FinalizeMigration records the attached successor container as
	// the result of the migration. At most one client's call takes
	// effect; the tool tolerates duplicate attempts. On successful
	// return the tool must report the MIGRATED phase; a tool that
	// records the id but keeps reporting MIGRATING, with no further
	// event, leaves the migration permanently un-dispatched.
	FinalizeMigration(ctx context.Context, id string) error

	// CompleteMigrationTask marks the held finalize task as done.
	CompleteMigrationTask(ctx context.Context) error

	// Events returns the hub on which the tool publishes
	// TopicMigrating when the session enters the MIGRATING phase, and
	// TopicConnected when connectivity is regained.
	Events() *pubsub.SimpleHub
}

// Model is a loaded instance of the collaborative data model.
type Model interface {

	// ExportData exports the model's data in its native format.
	ExportData(ctx context.Context) (interface{}, error)

	// ImportData populates the model from exported data.
	ImportData(ctx context.Context, data interface{}) error

	// SupportsDataFormat reports whether the model can import the
	// given data as-is.
	SupportsDataFormat(data interface{}) bool

	// Dispose releases the model's resources.
	Dispose()
}

// DetachedModel is a successor model instance that has been created
// but not yet attached to a live session.
type DetachedModel interface {
	Model

	// Attach attaches the model to a live session and returns the id
	// of the container backing it.
	Attach(ctx context.Context) (string, error)
}

// ModelLoader creates, attaches and loads model instances. Whether a
// given version is supported depends on the code the application has
// loaded; acquiring support for newer versions is the application's
// problem, not the migrator's.
type ModelLoader interface {

	// SupportsVersion reports whether the loader can create and load
	// models of the given version.
	SupportsVersion(ctx context.Context, version string) (bool, error)

	// CreateDetached creates a new, empty, detached model of the
	// given version.
	CreateDetached(ctx context.Context, version string) (DetachedModel, error)

	// LoadExistingPaused loads the identified session frozen at the
	// given sequence number, excluding any unacknowledged local
	// changes and any remote changes after that point.
	LoadExistingPaused(ctx context.Context, id string, sequenceNumber int64) (Model, error)

	// LoadExisting loads the identified session along with its own
	// migration tool.
	LoadExisting(ctx context.Context, id string) (Session, error)
}

// DataTransformer converts exported model data into the format
// required by a successor version. Implementations are supplied by the
// application; the migrator only invokes one when the successor model
// rejects the exported data as-is.
type DataTransformer interface {

	// Transform converts data exported from the predecessor model
	// into a format the target version can import.
	Transform(ctx context.Context, data interface{}, targetVersion string) (interface{}, error)
}

// Session pairs a collaborative model with the migration tool and
// container id it was loaded from. Exactly one session is active per
// worker at any instant; the triple is only ever replaced wholesale,
// so readers never see a model from one session paired with a tool
// from another.
type Session struct {
	Model Model
	Tool  MigrationTool
	ID    string
}

// Validate returns an error if the session cannot be worked with.
func (s Session) Validate() error {
	if s.Model == nil {
		return errors.NotValidf("nil Model")
	}
	if s.Tool == nil {
		return errors.NotValidf("nil Tool")
	}
	if s.ID == "" {
		return errors.NotValidf("empty ID")
	}
	return nil
}
