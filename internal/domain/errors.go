package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine. These provide consistent, checkable errors
// for the failure modes callers are expected to branch on.
var (
	// ErrAuthRejected indicates the server rejected the credentials sent in
	// the auth frame. Terminal: the session manager never retries it.
	ErrAuthRejected = errors.New("transport authentication rejected")

	// ErrRoomNotFound indicates a subscription to an unknown room. Terminal.
	ErrRoomNotFound = errors.New("room not found")

	// ErrMessageNotFound indicates an operation on a message id the store
	// does not hold.
	ErrMessageNotFound = errors.New("message not found")

	// ErrConnectionLost indicates the session was disposed while the
	// reconnect loop was still trying to re-establish the transport.
	ErrConnectionLost = errors.New("connection lost")

	// ErrPermissionDenied indicates media capture was refused.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrNoDevicesFound indicates no capture devices are available.
	ErrNoDevicesFound = errors.New("no media devices found")

	// ErrCallActive indicates a second call was started while one is live.
	ErrCallActive = errors.New("a call session is already active")

	// ErrNoCall indicates a call operation with no active call session.
	ErrNoCall = errors.New("no active call session")

	// ErrSessionClosed indicates an operation on a disposed session.
	ErrSessionClosed = errors.New("session is closed")
)

// UploadError reports a failed attachment upload. The owning send fails
// entirely; no partial message is ever transmitted.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %q failed: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// PeerError reports a failure isolated to a single remote call participant.
// It never tears down the rest of the call session.
type PeerError struct {
	PeerID string
	Err    error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s: %v", e.PeerID, e.Err)
}

func (e *PeerError) Unwrap() error { return e.Err }
