package domain

import "errors"

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrTabNotFound    = errors.New("pending tab not found")
	// ErrNotOwned rejects a request referencing a device that belongs to a
	// different identity.
	ErrNotOwned       = errors.New("device not owned by caller")
	ErrInvalidRequest = errors.New("invalid request")
)
