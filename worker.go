// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sessionmigrator

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"github.com/juju/retry"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/sessionmigrator/migration"
)

var logger = loggo.GetLogger("sessionmigrator")

// Loading the migrated session races against the finalizing client's
// container becoming visible, so transient failures are retried a few
// times before being classified as disconnection or a real error.
var (
	loadRetryAttempts = 3
	loadRetryDelay    = 100 * time.Millisecond
)

// Config defines the operation of a session migrator worker.
type Config struct {
	// Session is the initially-active session triple.
	Session Session

	// Loader creates, attaches and loads model instances.
	Loader ModelLoader

	// Transformer converts exported data to the successor's format
	// when the successor cannot import it as-is. It may be nil, in
	// which case a format mismatch abandons the migration attempt.
	Transformer DataTransformer

	// Clock is used to delay retries when loading a migrated session.
	Clock clock.Clock

	// Hub, if set, is the hub on which the worker publishes its
	// notifications. A private hub is created when nil; supplying one
	// lets callers subscribe before the worker starts acting.
	Hub *pubsub.SimpleHub
}

// Validate returns an error if config cannot drive a Worker.
func (config Config) Validate() error {
	if err := config.Session.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Loader == nil {
		return errors.NotValidf("nil Loader")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// pendingOp identifies the kind of operation currently in flight. At
// most one operation runs at a time; starting one kind while the other
// is active is a protocol violation, never a silent queue.
type pendingOp int

const (
	pendingNone pendingOp = iota
	pendingMigration
	pendingLoad
)

// attemptCache holds the partial progress of one migration attempt. It
// survives disconnection so a resumed attempt can skip the sub-steps
// that already completed, and is cleared only when the session swap
// for that migration completes.
type attemptCache struct {
	// started records that the migration-started notification has
	// been published for this migration.
	started bool

	// prepared is the detached successor model once it has been
	// created and populated with (possibly transformed) data.
	prepared DetachedModel

	// preparedID is the container id assigned when the prepared model
	// was attached. Only ever set after prepared.
	preparedID string
}

// Worker drives the migration of a collaborative session to successor
// versions, converging all clients onto the same successor without
// duplicate or lost migrations.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	hub      *pubsub.SimpleHub

	// mu guards the session triple for external readers, plus the
	// listener bookkeeping shared with pubsub handler goroutines.
	mu             sync.Mutex
	session        Session
	migratingArmed bool
	connectedArmed bool
	unsubs         []func()

	// pending and cache belong to the loop goroutine.
	pending pendingOp
	cache   attemptCache

	// triggers coalesces dispatch requests from event handlers.
	triggers chan struct{}
}

// NewWorker returns a Worker driving the migration of the session in
// config, or an error. The worker evaluates the session's current
// migration phase immediately.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	hub := config.Hub
	if hub == nil {
		hub = pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("sessionmigrator.hub"),
		})
	}
	w := &Worker{
		config:   config,
		hub:      hub,
		session:  config.Session,
		triggers: make(chan struct{}, 1),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// CurrentModel returns the model of the active session.
func (w *Worker) CurrentModel() Model {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session.Model
}

// CurrentMigrationTool returns the migration tool of the active
// session.
func (w *Worker) CurrentMigrationTool() MigrationTool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session.Tool
}

// CurrentSessionID returns the container id of the active session.
func (w *Worker) CurrentSessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session.ID
}

// MigrationPhase returns the phase the active session's migration tool
// reports right now. The phase is never cached locally.
func (w *Worker) MigrationPhase() migration.Phase {
	return w.CurrentMigrationTool().MigrationState()
}

// Connected reports whether the active session's migration tool has a
// live connection.
func (w *Worker) Connected() bool {
	return w.CurrentMigrationTool().Connected()
}

// Events returns the hub on which the worker publishes
// TopicMigrationStarted, TopicMigrationNotSupported and
// TopicMigrationCompleted.
func (w *Worker) Events() *pubsub.SimpleHub {
	return w.hub
}

func (w *Worker) loop() error {
	defer w.unsubscribeAll()

	ctx := w.catacomb.Context(context.Background())
	for {
		if err := w.dispatch(ctx); err != nil {
			return errors.Trace(err)
		}
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.triggers:
		}
	}
}

// dispatch reads the phase the active session's migration tool reports
// and takes the unique correct next action, repeating until it reaches
// a state that waits on an external event. It never assumes the phase
// differs from the last invocation; another client may have progressed
// the migration while this one was suspended, and events may arrive
// for states already handled.
func (w *Worker) dispatch(ctx context.Context) error {
	for {
		tool := w.CurrentMigrationTool()
		phase := tool.MigrationState()
		logger.Debugf("migration phase is now: %s", phase)

		var (
			again bool
			err   error
		)
		switch phase {
		case migration.COLLABORATING:
			w.waitForMigrating(tool)
			return nil
		case migration.MIGRATING:
			again, err = w.runMigrationAttempt(ctx, tool)
		case migration.MIGRATED:
			again, err = w.runLoad(ctx, tool)
		default:
			return errors.Errorf("migration tool reports unknown phase %q", phase)
		}
		if err != nil {
			return errors.Trace(err)
		}
		if !again {
			return nil
		}
	}
}

// runMigrationAttempt drives one migration from acceptance towards a
// finalized successor, tolerating disconnection at any point. The
// returned bool reports whether the dispatcher should re-evaluate the
// phase immediately; false means the attempt is suspended waiting for
// an event, or abandoned.
func (w *Worker) runMigrationAttempt(ctx context.Context, tool MigrationTool) (bool, error) {
	switch w.pending {
	case pendingLoad:
		return false, errors.New("cannot start migration attempt: session load in flight")
	case pendingMigration:
		// Already driving this migration.
		return false, nil
	}
	if !tool.Connected() {
		w.waitForConnected(tool)
		return false, nil
	}
	accepted, ok := tool.AcceptedMigration()
	if !ok {
		return false, errors.Errorf("migration tool reports %q without an accepted migration", migration.MIGRATING)
	}
	if err := accepted.Validate(); err != nil {
		return false, errors.Annotate(err, "accepted migration")
	}

	w.pending = pendingMigration
	defer func() { w.pending = pendingNone }()

	if !w.cache.started {
		w.cache.started = true
		logger.Infof("migration to version %q accepted at sequence number %d", accepted.TargetVersion, accepted.SequenceNumber)
		_ = w.hub.Publish(TopicMigrationStarted, StartedEvent{Migration: accepted})
	}

	if w.cache.prepared == nil {
		done, err := w.prepare(ctx, tool, accepted)
		if err != nil || !done {
			return false, errors.Trace(err)
		}
	}

	done, err := w.finalize(ctx, tool)
	if err != nil || !done {
		return false, errors.Trace(err)
	}

	if !tool.Connected() {
		// The connection dropped right at the end; re-dispatch so the
		// resumed attempt can arm the reconnection listener.
		return true, nil
	}
	if _, ok := tool.NewContainerID(); !ok {
		return false, errors.New("migration attempt finished while connected but the tool records no new container id")
	}
	if tool.MigrationState() == migration.MIGRATING {
		// The result is recorded but the tool has not moved off
		// MIGRATING yet. FinalizeMigration obliges the tool to report
		// MIGRATED before returning, so this read is a transient
		// out-of-band update mid-attempt; wait for the tool's next
		// event rather than spin.
		return false, nil
	}
	return true, nil
}

// prepare creates the detached successor model and populates it with
// the predecessor's data, transformed if need be, caching the result
// for the finalize phase. It returns false when the attempt cannot
// proceed: either suspended awaiting reconnection, or abandoned with a
// not-supported notification.
func (w *Worker) prepare(ctx context.Context, tool MigrationTool, accepted migration.Accepted) (bool, error) {
	supported, err := w.config.Loader.SupportsVersion(ctx, accepted.TargetVersion)
	if err != nil {
		return false, w.suspendOnDisconnect(tool, err, "checking support for version %q", accepted.TargetVersion)
	}
	if !supported {
		logger.Warningf("version %q is not supported by the local loader", accepted.TargetVersion)
		w.abandon(accepted.TargetVersion)
		return false, nil
	}

	detached, err := w.config.Loader.CreateDetached(ctx, accepted.TargetVersion)
	if err != nil {
		return false, w.suspendOnDisconnect(tool, err, "creating detached model for version %q", accepted.TargetVersion)
	}

	data, err := w.exportAtSequenceNumber(ctx, accepted.SequenceNumber)
	if err != nil {
		return false, w.suspendOnDisconnect(tool, err, "exporting data at sequence number %d", accepted.SequenceNumber)
	}

	if !detached.SupportsDataFormat(data) {
		if w.config.Transformer == nil {
			logger.Warningf("exported data needs transforming for version %q but no transformer is configured", accepted.TargetVersion)
			w.abandon(accepted.TargetVersion)
			return false, nil
		}
		transformed, err := w.config.Transformer.Transform(ctx, data, accepted.TargetVersion)
		if err != nil {
			logger.Warningf("transforming data for version %q: %v", accepted.TargetVersion, err)
			w.abandon(accepted.TargetVersion)
			return false, nil
		}
		data = transformed
	}

	if err := detached.ImportData(ctx, data); err != nil {
		return false, w.suspendOnDisconnect(tool, err, "importing data into version %q model", accepted.TargetVersion)
	}
	w.cache.prepared = detached
	return true, nil
}

// exportAtSequenceNumber exports the active session's data frozen at
// the given sequence number. The paused load handle only exists to
// produce the export, and is disposed as soon as it has.
func (w *Worker) exportAtSequenceNumber(ctx context.Context, sequenceNumber int64) (interface{}, error) {
	id := w.CurrentSessionID()
	paused, err := w.config.Loader.LoadExistingPaused(ctx, id, sequenceNumber)
	if err != nil {
		return nil, errors.Annotatef(err, "loading session %q paused at %d", id, sequenceNumber)
	}
	defer paused.Dispose()

	data, err := paused.ExportData(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// finalize races to perform the one-time finalize action with the
// prepared successor model. Duplicate finalize attempts by other
// clients are discovered, not prevented: every step re-validates the
// tool's state before proceeding. It returns false when the attempt is
// suspended awaiting reconnection.
func (w *Worker) finalize(ctx context.Context, tool MigrationTool) (bool, error) {
	if tool.MigrationState() != migration.MIGRATING {
		// Another client finished the migration while we prepared.
		return true, nil
	}

	volunteered, err := tool.VolunteerForMigration(ctx)
	if err != nil {
		// A failed volunteer call means the connection was lost.
		return false, w.suspendOnDisconnect(tool, err, "volunteering for migration task")
	}
	if _, ok := tool.NewContainerID(); ok {
		// Another client already finalized.
		return true, nil
	}
	if !volunteered {
		return false, errors.New("volunteer call returned without granting the migration task")
	}

	if w.cache.preparedID == "" {
		id, err := w.cache.prepared.Attach(ctx)
		if err != nil {
			return false, w.suspendOnDisconnect(tool, err, "attaching prepared model")
		}
		w.cache.preparedID = id
	}

	if !tool.HaveMigrationTask() {
		// Task ownership was lost while attaching; whoever holds it
		// now is responsible for finalizing.
		return true, nil
	}
	if err := tool.FinalizeMigration(ctx, w.cache.preparedID); err != nil {
		return false, w.suspendOnDisconnect(tool, err, "finalizing migration to container %q", w.cache.preparedID)
	}
	if err := tool.CompleteMigrationTask(ctx); err != nil {
		return false, w.suspendOnDisconnect(tool, err, "completing migration task")
	}
	logger.Infof("finalized migration to container %q", w.cache.preparedID)
	return true, nil
}

// runLoad loads the migrated successor session and swaps it in as the
// active session. The returned bool reports whether the dispatcher
// should re-evaluate the phase immediately, which it must after a
// swap: the freshly loaded successor may itself already be
// mid-migration.
func (w *Worker) runLoad(ctx context.Context, tool MigrationTool) (bool, error) {
	switch w.pending {
	case pendingMigration:
		return false, errors.New("cannot load migrated session: migration attempt in flight")
	case pendingLoad:
		// Already loading.
		return false, nil
	}
	accepted, ok := tool.AcceptedMigration()
	if !ok {
		return false, errors.Errorf("migration tool reports %q without an accepted migration", migration.MIGRATED)
	}
	newID, ok := tool.NewContainerID()
	if !ok {
		return false, errors.Errorf("migration tool reports %q without a new container id", migration.MIGRATED)
	}

	w.pending = pendingLoad
	defer func() { w.pending = pendingNone }()

	supported, err := w.config.Loader.SupportsVersion(ctx, accepted.TargetVersion)
	if err != nil {
		return false, w.suspendOnDisconnect(tool, err, "checking support for version %q", accepted.TargetVersion)
	}
	if !supported {
		logger.Warningf("migrated session %q requires version %q, which the local loader does not support", newID, accepted.TargetVersion)
		w.abandon(accepted.TargetVersion)
		return false, nil
	}

	var loaded Session
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			loaded, err = w.config.Loader.LoadExisting(ctx, newID)
			return err
		},
		Attempts: loadRetryAttempts,
		Delay:    loadRetryDelay,
		Clock:    w.config.Clock,
		Stop:     w.catacomb.Dying(),
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("loading migrated session %q (attempt %d): %v", newID, attempt, err)
		},
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			err = retry.LastError(err)
		}
		return false, w.suspendOnDisconnect(tool, err, "loading migrated session %q", newID)
	}

	w.mu.Lock()
	w.session = loaded
	w.mu.Unlock()
	// The predecessor model is deliberately not disposed here; its
	// lifecycle belongs to whichever party supplied it.
	w.cache = attemptCache{}

	logger.Infof("now using migrated session %q (version %q)", loaded.ID, accepted.TargetVersion)
	_ = w.hub.Publish(TopicMigrationCompleted, CompletedEvent{
		Model:     loaded.Model,
		SessionID: loaded.ID,
	})
	return true, nil
}

// abandon reports that the migration cannot proceed with the code the
// application currently has loaded. No retry is scheduled; reacting to
// the notification is the application's responsibility.
func (w *Worker) abandon(version string) {
	_ = w.hub.Publish(TopicMigrationNotSupported, NotSupportedEvent{Version: version})
}

// suspendOnDisconnect classifies a failed collaborator call. When the
// tool has lost its connection the attempt is suspended: partial
// progress stays cached, a single-fire reconnection listener re-arms
// the dispatcher, and no error is returned. A failure while connected
// is a real error.
func (w *Worker) suspendOnDisconnect(tool MigrationTool, err error, format string, args ...interface{}) error {
	if tool.Connected() {
		return errors.Annotatef(err, format, args...)
	}
	logger.Debugf("disconnected; suspending migration until reconnection: %v", err)
	w.waitForConnected(tool)
	return nil
}

// waitForMigrating arms a single-fire listener for the tool's
// migrating event. Arming is idempotent: the dispatcher may run any
// number of times while the session is still collaborating. The phase
// is re-read after subscribing; the tool may have entered MIGRATING,
// and published its one event, between the dispatcher's read and the
// subscription, and that missed event must not strand the worker.
func (w *Worker) waitForMigrating(tool MigrationTool) {
	w.mu.Lock()
	if w.migratingArmed {
		w.mu.Unlock()
		return
	}
	w.migratingArmed = true
	unsub := subscribeOnce(tool.Events(), TopicMigrating, func() {
		w.mu.Lock()
		w.migratingArmed = false
		w.mu.Unlock()
		w.trigger()
	})
	w.unsubs = append(w.unsubs, unsub)
	w.mu.Unlock()

	if tool.MigrationState() != migration.COLLABORATING {
		w.mu.Lock()
		w.migratingArmed = false
		w.mu.Unlock()
		w.trigger()
	}
}

// waitForConnected arms a single-fire listener for the tool's
// connected event. Arming is idempotent, and connectivity is re-read
// after subscribing for the same reason as waitForMigrating.
func (w *Worker) waitForConnected(tool MigrationTool) {
	w.mu.Lock()
	if w.connectedArmed {
		w.mu.Unlock()
		return
	}
	w.connectedArmed = true
	unsub := subscribeOnce(tool.Events(), TopicConnected, func() {
		w.mu.Lock()
		w.connectedArmed = false
		w.mu.Unlock()
		w.trigger()
	})
	w.unsubs = append(w.unsubs, unsub)
	w.mu.Unlock()

	if tool.Connected() {
		w.mu.Lock()
		w.connectedArmed = false
		w.mu.Unlock()
		w.trigger()
	}
}

// trigger requests a dispatch. Requests coalesce; the dispatcher
// re-reads all state when it runs, so one wakeup covers any number of
// triggers.
func (w *Worker) trigger() {
	select {
	case w.triggers <- struct{}{}:
	default:
	}
}

func (w *Worker) unsubscribeAll() {
	w.mu.Lock()
	unsubs := w.unsubs
	w.unsubs = nil
	w.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// Worker must be a worker.Worker.
var _ worker.Worker = (*Worker)(nil)
