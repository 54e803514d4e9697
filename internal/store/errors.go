package store

import "errors"

var (
	// ErrNotFound is returned when a row does not exist in the caller's
	// tenant scope. A row that exists under another tenant is still not found.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateMessage signals an idempotency hit on
	// (tenant_id, channel, external_message_id). Not a failure: intake
	// acknowledges duplicates as success.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrAlreadyQueued signals a second queue entry for the same message id.
	ErrAlreadyQueued = errors.New("message already queued")

	// ErrTenantMismatch is returned when an operation references rows
	// belonging to a different tenant. Callers must log it as a security event.
	ErrTenantMismatch = errors.New("tenant mismatch")
)
