// Package errors defines sentinel errors used across the registry.
package errors

import "errors"

// Sentinel errors for registration handling.
var (
	// ErrInvalidConnectId indicates a connect id string that does not parse.
	ErrInvalidConnectId = errors.New("invalid connect id")

	// ErrUnknownRegistration indicates a registration type the registry does not handle.
	ErrUnknownRegistration = errors.New("unknown registration type")
)

// Sentinel errors for slot handling.
var (
	// ErrSlotNotAssigned indicates the slot is not assigned to this node.
	ErrSlotNotAssigned = errors.New("slot not assigned")

	// ErrStaleEpoch indicates a slot table or leader epoch older than the current one.
	ErrStaleEpoch = errors.New("stale epoch")

	// ErrSlotAccessDenied indicates an incoming request failed the slot access check.
	ErrSlotAccessDenied = errors.New("slot access denied")

	// ErrSyncAborted indicates a sync task stopped because its continues predicate failed.
	ErrSyncAborted = errors.New("sync aborted")
)

// Sentinel errors for the task runtime.
var (
	// ErrExecutorBusy indicates the keyed executor queue for the key is full.
	ErrExecutorBusy = errors.New("executor queue full")

	// ErrStopped indicates the component has been closed.
	ErrStopped = errors.New("component stopped")
)
