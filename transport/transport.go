// Package transport defines the duplex link capability the pairing
// socket drives. Implementations live in the subpackages: ws (gorilla
// websocket), sselink (eventsource down, http up) and local (in-memory
// hub for tests).
package transport

import "errors"

// ErrNotOpen is returned by Send on a link that is not in the Open
// state. The socket layer treats it as a silent drop.
var ErrNotOpen = errors.New("link is not open")

type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Handlers is one callback set for a link. A set is always installed as
// a unit via Link.Bind so a link is never observed half-rebound. Nil
// fields are no-ops.
type Handlers struct {
	Open    func()
	Message func(data []byte)
	Error   func(err error)
	Close   func()
}

// Link is a live duplex connection. All Message/Error/Close callbacks
// are dispatched from a single goroutine per link, so handler code may
// rely on serialized delivery.
type Link interface {
	Send(data []byte) error
	SendText(text string) error
	Close() error
	ReadyState() ReadyState
	Bind(h Handlers)
}

type Dialer interface {
	// Dial opens a link to url. subprotocols carries the credential the
	// server negotiates on; implementations without a sub-protocol
	// concept map it onto their own auth surface.
	Dial(url string, subprotocols []string) (Link, error)
}
