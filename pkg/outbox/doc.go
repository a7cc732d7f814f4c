// Package outbox is the client's durable action store and its flush loop.
//
// Invariants:
// - Enqueue returns only after the action is committed to the local store.
// - An action is deleted only after the server confirmed it; failures keep
//   the record as failed, or dead once the retry ceiling is reached.
// - At most one sync attempt per action is in flight: flush passes run on a
//   commandqueue lane with concurrency 1, and triggers that arrive during a
//   pass coalesce into a single deferred pass.
// - A pass visits pending and failed actions once each, oldest first.
package outbox
