// Package services defines the business logic of the sync server: publishing
// events, serving polls, and keeping the authoritative scope state. This file
// centralizes service-level error values so that handlers can map them to
// HTTP results consistently.
package services

import "errors"

var (
	// ErrInvalidEvent wraps envelope validation failures.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrEmptyScope is returned when a scope id is missing.
	ErrEmptyScope = errors.New("scope id is required")

	// ErrScopeNotFound indicates that no state was ever stored for a scope.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrVersionConflict is returned when an optimistic state update lost
	// the race.
	ErrVersionConflict = errors.New("scope state version conflict")

	// ErrInvalidState is returned when a state document is not a JSON object.
	ErrInvalidState = errors.New("state must be a JSON object")
)
