package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	ErrInvalidLease       = errors.New("keylock: invalid lease")
	ErrInvalidWait        = errors.New("keylock: wait must not be negative")
	ErrInvalidBucketCount = errors.New("keylock: bucket count must be positive")
	ErrInvalidHandle      = errors.New("keylock: invalid lock handle")
	ErrNotHeld            = errors.New("keylock: lock not held")
	ErrMalformedRecord    = errors.New("keylock: malformed lock record")
	ErrUnknownVariant     = errors.New("keylock: unknown lock variant")
	ErrFairUnsupported    = errors.New("keylock: fair locking requires the managed variant")
	ErrEmptyOwner         = errors.New("keylock: owner token must not be empty")
	ErrNotAcquired        = errors.New("keylock: failed to acquire lock")
	ErrWrongType          = errors.New("keylock: key holds the wrong kind of value")
)
