// Package store is the SQL storage collaborator: it serves paged,
// filtered reads for the change-feed subscriber's refetches and owns the
// execution, log and pipeline writes that the trigger endpoint performs.
// Every committed write is published to the change feed as a wire event.
//
// The backing database is SQLite through gorm.
package store
