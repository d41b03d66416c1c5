// Package repository holds the persistence layer of the booking core: the
// Store contract, its MySQL implementation and an in-memory implementation
// used by tests and local development.
//
// Errors that callers are expected to branch on are defined either here
// (storage-level conditions) or in package model (domain conditions such as
// model.ErrBookingNotFound).
package repository

import "errors"

// ErrDuplicateReference is returned by InsertPaymentAttempt when the gateway
// reference is already recorded, or when the booking already has a PENDING
// attempt.  Handlers should translate this into an HTTP 409 response.
var ErrDuplicateReference = errors.New("duplicate payment reference")

