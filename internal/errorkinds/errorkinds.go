// Package errorkinds holds the error taxonomy shared by the connection manager,
// the session state machine and the transfer engine.
//
// Every error produced by a background goroutine is converted into one of the
// sentinels below before it reaches an event sink. Sentinels are matched with
// errors.Is; the coarse kind is carried as a fault tag and read with KindOf.
package errorkinds

import (
	"context"
	"errors"
	"fmt"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// Kinds attached to wrapped errors with ftag.
const (
	None               ftag.Kind = ""
	AdapterUnavailable ftag.Kind = "ADAPTER_UNAVAILABLE"
	ConnectionFailed   ftag.Kind = "CONNECTION_FAILED"
	NotConnected       ftag.Kind = "NOT_CONNECTED"
	TransferFailed     ftag.Kind = "TRANSFER_FAILED"
	InvalidState       ftag.Kind = "INVALID_STATE"
	TransferInProgress ftag.Kind = "TRANSFER_IN_PROGRESS"
	Cancelled                    = ftag.Cancelled
)

var (
	// ErrAdapterUnavailable means no Bluetooth adapter (or no Bluetooth daemon) is present.
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")

	// ErrConnectionFailed means accept or connect did not produce a stream.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected means an operation needing a connected stream was called outside Connected.
	ErrNotConnected = errors.New("not connected")

	// ErrTransferFailed means an I/O error ended a transfer.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrCancelled means the transfer or connection attempt was stopped on request.
	ErrCancelled = errors.New("cancelled")

	ErrInvalidState       = errors.New("operation not valid in current state")
	ErrTransferInProgress = errors.New("a transfer is already in progress")
	ErrPeerNotBonded      = errors.New("peer is not bonded")
	ErrClosed             = errors.New("closed")
)

var sentinelKinds = []struct {
	err  error
	kind ftag.Kind
}{
	{ErrCancelled, Cancelled},
	{ErrAdapterUnavailable, AdapterUnavailable},
	{ErrTransferInProgress, TransferInProgress},
	{ErrNotConnected, NotConnected},
	{ErrConnectionFailed, ConnectionFailed},
	{ErrTransferFailed, TransferFailed},
	{ErrInvalidState, InvalidState},
}

// KindOf returns the kind tagged on err, falling back to the first matching sentinel.
func KindOf(err error) ftag.Kind {
	if err == nil {
		return None
	}
	if k := ftag.Get(err); k != None && k != ftag.Internal {
		return k
	}
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return ftag.Internal
}

// Issue returns the user-facing description carried by err, or its message.
func Issue(err error) string {
	if err == nil {
		return ""
	}
	if issue := fmsg.GetIssue(err); issue != "" {
		return issue
	}
	return err.Error()
}

// Wrap joins sentinel and cause and tags the result with kind.
// The returned error matches both sentinel and cause with errors.Is.
func Wrap(sentinel, cause error, kind ftag.Kind, issue string, kv ...string) error {
	var joined error
	switch {
	case cause == nil || errors.Is(cause, sentinel):
		joined = orSentinel(cause, sentinel)
	default:
		joined = fmt.Errorf("%w: %w", sentinel, cause)
	}

	wrappers := []fault.Wrapper{ftag.With(kind)}
	if len(kv) > 0 {
		wrappers = append(wrappers, fctx.With(context.Background(), kv...))
	}
	if issue != "" {
		wrappers = append(wrappers, fmsg.WithDesc("", issue))
	}
	return fault.Wrap(joined, wrappers...)
}

func orSentinel(cause, sentinel error) error {
	if cause != nil {
		return cause
	}
	return sentinel
}

// AdapterUnavailableError wraps cause as ErrAdapterUnavailable.
func AdapterUnavailableError(cause error) error {
	return Wrap(ErrAdapterUnavailable, cause, AdapterUnavailable,
		"Bluetooth is not available. Enable the adapter and try again.")
}

// ConnectionFailedError wraps cause as ErrConnectionFailed for the given peer address.
// An empty address is used for the server side when no peer is known yet.
func ConnectionFailedError(address string, cause error) error {
	if errors.Is(cause, ErrAdapterUnavailable) {
		return AdapterUnavailableError(cause)
	}
	issue := "Could not connect"
	if address != "" {
		issue += " to " + address
		return Wrap(ErrConnectionFailed, cause, ConnectionFailed, issue+".", "peer", address)
	}
	return Wrap(ErrConnectionFailed, cause, ConnectionFailed, issue+".")
}

// TransferFailedError wraps cause as ErrTransferFailed.
func TransferFailedError(path string, cause error) error {
	return Wrap(ErrTransferFailed, cause, TransferFailed, "The file transfer failed.", "path", path)
}

// CancelledError wraps cause as ErrCancelled.
func CancelledError(cause error) error {
	return Wrap(ErrCancelled, cause, Cancelled, "The transfer was cancelled.")
}

// NotConnectedError reports a call made outside the Connected state.
func NotConnectedError(state string) error {
	return Wrap(ErrNotConnected, nil, NotConnected, "", "state", state)
}

// InvalidStateError reports an operation attempted from the wrong state.
func InvalidStateError(op, state string) error {
	return Wrap(ErrInvalidState, fmt.Errorf("%s from %s", op, state), InvalidState, "", "op", op, "state", state)
}

// TransferInProgressError reports a second transfer on a busy session.
func TransferInProgressError() error {
	return Wrap(ErrTransferInProgress, nil, TransferInProgress, "")
}
