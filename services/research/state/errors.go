// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package state provides the versioned session state manager for the
// research pipeline.
//
// A Manager tracks one active ResearchState per thread (session),
// mutates it copy-on-write, and records immutable checkpoints both in
// memory and, when a CheckpointStore is configured, durably. Sessions
// move through:
//
//	uninitialized -> active -> (checkpointed)* -> active ...
//
// Rollback replaces the active state with a prior checkpoint and the
// session continues from the restored step.
//
// # Ownership Model
//
// The manager owns every live state. Accessors and mutators return deep
// copies only, so a caller can never reach manager-internal state
// through a returned pointer. Checkpoint history entries are immutable
// once appended.
//
// # Thread Safety
//
// All operations on one Manager are safe for concurrent use. A single
// coarse mutex covers the active state map and checkpoint history;
// sessions are short pipelines, so one lock beats subtle partial-update
// races across two finer ones. Durable store I/O happens outside the
// lock.
package state

import "errors"

// Sentinel errors for state operations.
var (
	// ErrNotInitialized is returned when a mutating call arrives before
	// InitState has created a session.
	ErrNotInitialized = errors.New("state not initialized")

	// ErrCheckpointNotFound is returned when Rollback or LoadCheckpoint
	// cannot find a checkpoint for the requested step or ID.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointCorrupt is returned when a durable checkpoint fails
	// its integrity check on load.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrNoStorage is returned by LoadCheckpoint when the manager has no
	// durable checkpoint store configured.
	ErrNoStorage = errors.New("no checkpoint storage configured")

	// ErrInvalidField is returned when an update names an unknown state
	// field, supplies a value of the wrong type, or appends to a field
	// that is not list-typed.
	ErrInvalidField = errors.New("invalid state field")
)
