// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sessionmigrator

import (
	"sync"

	"github.com/juju/pubsub/v2"

	"github.com/juju/sessionmigrator/migration"
)

// Topics a session's migration tool publishes on its own event hub.
const (
	// TopicMigrating announces that the session has entered the
	// MIGRATING phase.
	TopicMigrating = "migration-tool.migrating"

	// TopicConnected announces that the tool's connection to the
	// session has been (re-)established.
	TopicConnected = "migration-tool.connected"
)

// Topics the worker publishes on its notification hub.
const (
	// TopicMigrationStarted is published with a StartedEvent exactly
	// once per migration, before the first blocking call of the
	// attempt.
	TopicMigrationStarted = "session-migrator.migration-started"

	// TopicMigrationNotSupported is published with a NotSupportedEvent
	// when the local loader cannot produce the target version, or the
	// exported data cannot be brought into a format the successor
	// accepts. The attempt is abandoned and nothing retries it; the
	// application is expected to react, typically by acquiring a newer
	// loader and replacing the worker.
	TopicMigrationNotSupported = "session-migrator.migration-not-supported"

	// TopicMigrationCompleted is published with a CompletedEvent
	// exactly once per migration, after the successor session has
	// been swapped in.
	TopicMigrationCompleted = "session-migrator.migration-completed"
)

// StartedEvent is the payload of TopicMigrationStarted.
type StartedEvent struct {
	Migration migration.Accepted
}

// NotSupportedEvent is the payload of TopicMigrationNotSupported.
type NotSupportedEvent struct {
	Version string
}

// CompletedEvent is the payload of TopicMigrationCompleted.
type CompletedEvent struct {
	Model     Model
	SessionID string
}

// subscribeOnce registers handler for a single delivery of topic on
// hub. The subscription is removed deterministically on first delivery
// rather than being left for garbage collection. The returned
// unsubscriber is safe to call at any time, including after delivery.
func subscribeOnce(hub *pubsub.SimpleHub, topic string, handler func()) func() {
	var (
		mu    sync.Mutex
		unsub func()
		fired bool
	)
	raw := hub.Subscribe(topic, func(string, interface{}) {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		u := unsub
		mu.Unlock()
		if u != nil {
			u()
		}
		handler()
	})
	mu.Lock()
	unsub = raw
	delivered := fired
	mu.Unlock()
	if delivered {
		// The handler ran before we could record the unsubscriber.
		raw()
	}
	return raw
}
