package call

import "errors"

var (
	// ErrCallEnded is returned by operations on an attempt that already
	// reached a terminal state.
	ErrCallEnded = errors.New("call: already ended")

	// ErrAlreadyDialing is returned by Dial when a dial to the same peer is
	// in progress.
	ErrAlreadyDialing = errors.New("call: already dialing peer")

	// ErrBusy is returned by Dial when a dialog with the peer is active.
	ErrBusy = errors.New("call: dialog with peer already active")

	// ErrInvalidPeer is returned for an empty remote id or our own id.
	ErrInvalidPeer = errors.New("call: invalid peer id")

	// ErrClosed is returned once the phone has been closed.
	ErrClosed = errors.New("call: phone closed")
)
