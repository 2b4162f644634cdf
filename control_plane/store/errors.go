package store

import "errors"

// Sentinel errors returned by Store implementations. Handlers translate
// these into HTTP status codes; the store layer never sees HTTP.
var (
	// ErrNotFound is returned when an entity does not resolve, or resolves
	// outside the requested stack scope.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName is returned when a service name collides within a stack.
	ErrDuplicateName = errors.New("duplicate service name in stack")

	// ErrBlueGreenDisabled is returned by slot operations on a service that
	// does not have blue/green mode enabled.
	ErrBlueGreenDisabled = errors.New("blue-green mode not enabled")

	// ErrSlotEmpty is returned when a switch targets a slot with no staged version.
	ErrSlotEmpty = errors.New("no version staged in target slot")

	// ErrVersionUnhealthy is returned when a switch or rollback targets a
	// version that has not passed health verification. Promotions fail closed.
	ErrVersionUnhealthy = errors.New("target version is not healthy")

	// ErrTokenInvalid is returned for unknown, revoked, or expired webhook
	// tokens and for install tokens that no longer resolve.
	ErrTokenInvalid = errors.New("invalid or expired token")
)
