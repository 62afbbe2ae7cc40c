// Package mongo provides MongoDB-backed run event log storage.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a runlog.Store. Wrap the store with runlog.NewSubscriber to persist
// every event emitted by the workflow runners.
package mongo
