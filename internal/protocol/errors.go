package protocol

import "errors"

var (
	ErrPermissionDenied  = errors.New("protocol: bluetooth permission denied")
	ErrPeerNotFound      = errors.New("protocol: peer not found")
	ErrTransportFailure  = errors.New("protocol: transport failure")
	ErrProtocolViolation = errors.New("protocol: protocol violation")
	ErrNoPeerToSendTo    = errors.New("protocol: no peer to send to")
	ErrBusy              = errors.New("protocol: transport busy")
	ErrTimeout           = errors.New("protocol: step timed out")
	ErrSessionClosed     = errors.New("protocol: session closed")
	ErrNotReady          = errors.New("protocol: session not ready")
)
