// Package replay defines the contract between the sync core and the
// downstream domain services that queued mutations are applied against.
package replay

import (
	"context"
	"errors"
	"time"
)

// Request is one mutation to apply downstream.
type Request struct {
	UserID          string
	EntityType      string
	EntityID        string
	Operation       string
	Payload         string
	ExpectedVersion int64
}

// RemoteSnapshot is the authoritative state of an entity, returned when the
// downstream service rejects a mutation because its base version diverged.
type RemoteSnapshot struct {
	Value     string
	Timestamp time.Time
	Version   int64
	DeviceID  string
}

// Result is the outcome of a replay call that reached the downstream service.
// Exactly one of the two cases holds: the mutation was applied (NewVersion
// set), or the remote entity diverged (Conflict set). Errors are returned
// separately and classified transient or permanent.
type Result struct {
	NewVersion int64
	Conflict   *RemoteSnapshot
}

// Replayer applies a single mutation against the downstream service for its
// entity type. Implementations must bound each call with a timeout so one
// unresponsive service cannot stall a whole sync run.
type Replayer interface {
	Replay(ctx context.Context, req Request) (*Result, error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying (e.g. the payload was
// rejected as invalid).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Anything not explicitly
// marked permanent counts as transient, so unclassified failures consume the
// retry budget rather than failing an item outright.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
