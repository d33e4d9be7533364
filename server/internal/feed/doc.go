// Package feed subscribes to the change feed of one table and keeps a Sink
// (the reconciler) in step with storage.
//
// A Subscriber owns one subscription for its whole lifetime:
//
//	subscribe -> refetch -> stream events ... disconnect
//	          -> refetch -> wait backoff -> subscribe -> refetch -> ...
//
// The refetch right after a disconnect brings the snapshot up to date while
// the transport is down; the one after each successful subscribe closes the
// gap between that refetch and the new stream. Both are idempotent because
// the reconciler's inserts and updates are.
//
// Transports: WebsocketTransport talks to a remote realtime endpoint using
// gorilla/websocket. Broker is an in-process transport fed by the local store.
package feed
