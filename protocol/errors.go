package protocol

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors of the replication and durability engine. Components wrap
// these with additional context (using github.com/pkg/errors), and callers
// match them with errors.Is.
var (
	// ErrIO indicates the local storage medium failed a read, write, or sync.
	ErrIO = errors.New("storage I/O failure")
	// ErrChecksumMismatch indicates a frame or object failed integrity verification.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrTooFarBehind indicates a requested sequence predates the retained window.
	ErrTooFarBehind = errors.New("requested sequence is too far behind")
	// ErrSequenceAhead indicates a requested sequence is beyond the committed head.
	ErrSequenceAhead = errors.New("requested sequence is ahead of the committed head")
	// ErrConnectionLost indicates a replication stream broke.
	ErrConnectionLost = errors.New("connection lost")
	// ErrRestore indicates remote backup state could not be restored.
	ErrRestore = errors.New("restore failed")
	// ErrNotFound indicates a requested sequence or object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSequenceGap indicates consecutive frames were not gap-free.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrDesyncDetected indicates framed content did not begin with the magic word.
	ErrDesyncDetected = errors.New("detected de-synchronization")
)

// SuppressCancellationError returns nil if |err| is a context cancellation
// or gRPC Canceled status, and otherwise returns |err| unchanged.
func SuppressCancellationError(err error) error {
	if errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
		return nil
	}
	return err
}
