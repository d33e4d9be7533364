// Package reconcile merges change-feed events, full refetches and optimistic
// local inserts into one ordered, deduplicated view of the watched tables.
//
// A Reconciler has a single writer goroutine (Run). Every mutation is sent to
// it over a bounded channel: server events, optimistic inserts and their
// confirmations, confirmation timeouts, resyncs and retention prunes. After
// draining the pending operations the writer publishes a new immutable
// *Snapshot through an atomic pointer, so readers never take a lock and never
// observe a partially applied batch.
//
// Ordering within a collection is created_at descending, ties broken by id
// ascending. An update only replaces an entry when its version (updated_at,
// then status rank) is strictly more advanced than the stored one.
package reconcile
