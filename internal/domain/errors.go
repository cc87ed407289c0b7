package domain

import (
	"fmt"
	"time"
)

// FetchErrorKind tells network failures apart from unusable payloads.
type FetchErrorKind string

const (
	// FetchErrorNetwork transport failure or non-success status.
	FetchErrorNetwork FetchErrorKind = "network"
	// FetchErrorMalformed response body could not be decoded.
	FetchErrorMalformed FetchErrorKind = "malformed-response"
)

// FetchError balance retrieval failed for one address.
type FetchError struct {
	Address string
	Kind    FetchErrorKind
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch balances for %s (%s): %v", e.Address, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PersistenceOp store operation that failed.
type PersistenceOp string

const (
	PersistenceLoad PersistenceOp = "load"
	PersistenceSave PersistenceOp = "save"
)

// PersistenceError snapshot could not be read or written.
type PersistenceError struct {
	Account string
	Op      PersistenceOp
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s snapshot for %s: %v", e.Op, e.Account, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// MalformedSnapshotError persisted snapshot exists but cannot be decoded.
// The record is left untouched so an operator can inspect it.
type MalformedSnapshotError struct {
	Account string
	Err     error
}

func (e *MalformedSnapshotError) Error() string {
	return fmt.Sprintf("snapshot for %s is malformed: %v", e.Account, e.Err)
}

func (e *MalformedSnapshotError) Unwrap() error { return e.Err }

// NotifyError message delivery failed.
type NotifyError struct {
	Status int
	Err    error
	// Wait is the delay requested by the remote side, zero if none.
	Wait time.Duration
}

func (e *NotifyError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("send notification (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("send notification: %v", e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// Temporary reports whether repeating the request may succeed.
func (e *NotifyError) Temporary() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// RetryAfter returns the delay requested by the remote side.
func (e *NotifyError) RetryAfter() time.Duration { return e.Wait }
