// Package storage archives terminal task records for audit.
//
// The in-memory result store stays the source of truth for GetResult; the
// archive is write-mostly and failures never affect a task's outcome.
package storage
