package fiat

import "errors"

var (
	// ErrAmountMismatch is raised synchronously when a webhook's amount
	// does not match the amount recorded at initiation.
	ErrAmountMismatch = errors.New("fiat: amount mismatch")
	// ErrTransferNotFound indicates no transfer exists for the supplied key.
	ErrTransferNotFound = errors.New("fiat: transfer not found")
	// ErrInvalidState indicates the transfer is not in a state the
	// requested transition can apply to.
	ErrInvalidState = errors.New("fiat: invalid state for transition")
)
