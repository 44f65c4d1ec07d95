// Package services defines the business logic of the tracker: the batch
// coordinator driving engine and store, and the read service over the
// versioned history. This file centralizes common service-level error values
// so they can be consistently returned by service methods and checked by
// callers.
//
// Translation into user-facing messages or HTTP status codes happens at the
// handler layer.
package services

import "errors"

var (
	// ErrRecordNotFound indicates that no version exists for the requested
	// entity id.
	ErrRecordNotFound = errors.New("record not found")

	// ErrEntityIDRequired is returned when a lookup is attempted with an
	// empty entity id.
	ErrEntityIDRequired = errors.New("entity id is required")

	// ErrBatchConflict is returned when an upsert still conflicts after the
	// single optimistic retry; the record must be replayed in a later run.
	ErrBatchConflict = errors.New("version conflict persisted after retry")
)
