package pairsig

import "errors"

// The four ways Connect can fail. Match with errors.Is; ErrTransport
// wraps the underlying transport error with its message intact.
var (
	ErrTransport        = errors.New("transport error")
	ErrInvalidPairing   = errors.New("invalid pairing")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("connection timed out")
)
