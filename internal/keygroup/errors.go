package keygroup

import "errors"

var (
	// ErrNotInitialized is returned when the service is used before an
	// identity has been installed.
	ErrNotInitialized = errors.New("key service has no identity")

	// ErrGroupExists is returned by CreateGroup for an already-known group id.
	ErrGroupExists = errors.New("group already exists")

	// ErrNotFound is returned on lookups for an unknown group or member.
	ErrNotFound = errors.New("group or member not found")

	// ErrInvalidSignature is returned when a key package fails verification.
	// The member is never admitted.
	ErrInvalidSignature = errors.New("key package signature verification failed")
)
