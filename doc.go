// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sessionmigrator coordinates the live hand-off of a
// collaboratively-edited data model from one container/version to a
// successor, across multiple independent clients with no central
// coordinator and no guaranteed mutual connectivity.
//
// The worker owns the currently-active {model, migration tool, id}
// triple and observes the phase the session's migration tool reports.
// A single re-entrant dispatcher drives everything: depending on the
// phase it either waits for the tool's next phase-change event, drives
// a migration attempt (prepare a populated successor model, then race
// to finalize), or loads the migrated successor session and swaps it
// in atomically. Every attempt, on completion, abandonment or
// disconnection, re-enters the same dispatcher; nothing assumes a
// settled state, because another client may have progressed the
// migration at any suspension point.
//
// Disconnection is the only cancellation signal. An interrupted
// attempt keeps its prepared partial progress, and resumes from the
// last completed sub-step when the tool reports a connection again.
package sessionmigrator
