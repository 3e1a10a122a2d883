package store

import "fmt"

// NotFoundError covers both a missing resource and one the caller has no
// access to, so resource IDs never leak through error responses.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness or concurrency violation. Code is a
// stable machine-readable discriminator (e.g. "stale_epoch").
type ConflictError struct {
	Message string
	Code    string
	Details map[string]interface{}
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError indicates insufficient access.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "forbidden"
}

// IllegalArgumentError indicates a request that is well-formed but semantically
// impossible, e.g. transferring ownership to yourself or to a non-member.
type IllegalArgumentError struct {
	Message string
}

func (e *IllegalArgumentError) Error() string {
	return e.Message
}
