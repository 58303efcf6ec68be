// Package pairsig dials a signaling server over a duplex link, binds
// the connection to a pairing through a one-frame handshake, and hands
// the live link off to the peer session layer.
package pairsig

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shynome/pairsig/session"
	"github.com/shynome/pairsig/transport"
	"github.com/shynome/pairsig/transport/ws"
)

// Pairing is the caller's peer-relationship identifier. It is
// forwarded verbatim during registration and never inspected here.
type Pairing = any

type Config struct {
	URL     string
	Timeout time.Duration
	Debug   bool
}

const (
	DefaultURL     = "ws://127.0.0.1:4404/"
	DefaultTimeout = 10 * time.Second
)

// Socket drives one link at a time through handshake and steady state.
// Connect calls on the same Socket must be serialized by the caller; a
// Socket may Connect again after its link reported closed.
type Socket struct {
	url     string
	timeout time.Duration

	dialer transport.Dialer
	sess   session.Hooks

	mu             sync.Mutex
	link           transport.Link
	handshakeTimer *time.Timer
	closingTimer   *time.Timer
}

func New(cfg Config, dialer transport.Dialer, sess session.Hooks) *Socket {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Socket{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		dialer:  dialer,
		sess:    sess,
	}
}

// NewDefault wires the websocket dialer and the default session state.
// The timeout bounds the upgrade too: a server that accepts TCP but
// never finishes the upgrade must not leave Connect pending.
func NewDefault(cfg Config) *Socket {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	dialer := &ws.Dialer{HandshakeTimeout: cfg.Timeout}
	return New(cfg, dialer, session.New(os.Stderr, cfg.Debug))
}

// Connect opens one link with the token as sub-protocol, registers the
// pairing once the link is open, and waits for the server's verdict
// frame. It returns the same pairing on success and exactly one of
// ErrTransport, ErrInvalidPairing, ErrConnectionFailed or ErrTimeout
// otherwise. No retry happens here.
func (s *Socket) Connect(pairing Pairing, token string) (Pairing, error) {
	link, err := s.dialer.Dial(s.url, []string{token})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	// settle-once: the first cancel wins, every later one is a no-op.
	// settle(nil) marks success, anything else is the rejection cause.
	ctx, settle := context.WithCancelCause(context.Background())

	timer := time.AfterFunc(s.timeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// re-check the live status, not a flag: a verdict that landed
		// just before the deadline has already connected the session
		if s.sess.IsConnected() {
			return
		}
		settle(ErrTimeout)
	})

	s.mu.Lock()
	s.link = link
	s.handshakeTimer = timer
	s.mu.Unlock()

	link.Bind(s.handshakeHandlers(ctx, pairing, link, timer, settle))

	<-ctx.Done()
	s.mu.Lock()
	if s.handshakeTimer == timer {
		s.handshakeTimer = nil
	}
	s.mu.Unlock()
	if err := context.Cause(ctx); err != context.Canceled {
		return nil, err
	}
	return pairing, nil
}

// handshakeHandlers is the temporary handler set: single-shot,
// settling the pending Connect. Each handler stops this connect's
// timer before anything else so the timeout can never double-settle.
// The timer is the captured one, not the shared field: a late event on
// an abandoned link must not stop a later Connect's timer.
func (s *Socket) handshakeHandlers(ctx context.Context, pairing Pairing, link transport.Link, timer *time.Timer, settle context.CancelCauseFunc) transport.Handlers {
	stopTimer := func() {
		timer.Stop()
		if s.handshakeTimer == timer {
			s.handshakeTimer = nil
		}
	}
	return transport.Handlers{
		Open: func() {
			// fire and forget, the verdict frame is the reply
			if err := s.sess.SendInternalEvent(EventRegister, pairing, link); err != nil {
				s.sess.Debugf("registration send failed: %v", err)
			}
		},
		Message: func(data []byte) {
			s.mu.Lock()
			defer s.mu.Unlock()
			stopTimer()
			if ctx.Err() != nil {
				// already settled, the verdict frame came and went
				return
			}
			switch string(data) {
			case FrameBound:
				s.handoff(link)
				settle(nil)
			case FrameInvalid:
				// the server closes the link after a failed handshake,
				// we keep the handle until its close event arrives
				settle(ErrInvalidPairing)
			default:
				settle(ErrConnectionFailed)
			}
		},
		Error: func(err error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			stopTimer()
			settle(fmt.Errorf("%w: %w", ErrTransport, err))
		},
		Close: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			stopTimer()
			settle(fmt.Errorf("%w: connection closed during handshake", ErrTransport))
			if s.link == link {
				s.link = nil
			}
		},
	}
}

// handoff swaps in the permanent handler set and marks the session
// connected. Called with s.mu held, exactly once per successful
// handshake.
func (s *Socket) handoff(link transport.Link) {
	link.Bind(s.steadyHandlers(link))
	s.sess.HandleConnected()
}

// steadyHandlers is the permanent handler set: inbound frames relay to
// the session, errors and closes route to its generic hooks.
func (s *Socket) steadyHandlers(link transport.Link) transport.Handlers {
	return transport.Handlers{
		Message: s.sess.HandleMessage,
		Error:   s.sess.HandleError,
		Close: func() {
			s.mu.Lock()
			s.clearTimersLocked()
			owned := s.link == link
			if owned {
				s.link = nil
			}
			s.mu.Unlock()
			if owned {
				s.sess.HandleClose()
			}
		},
	}
}

// Send transmits data only while the link is open; otherwise the call
// is dropped silently. Delivery is best effort either way.
func (s *Socket) Send(data []byte) {
	link := s.Link()
	if link == nil || link.ReadyState() != transport.Open {
		return
	}
	if err := link.Send(data); err != nil {
		s.sess.Debugf("send dropped: %v", err)
	}
}

// SendText is Send for text payloads.
func (s *Socket) SendText(text string) {
	link := s.Link()
	if link == nil || link.ReadyState() != transport.Open {
		return
	}
	if err := link.SendText(text); err != nil {
		s.sess.Debugf("send dropped: %v", err)
	}
}

// SendSignal forwards an opaque peer negotiation payload as a control
// event. The payload is not interpreted here.
func (s *Socket) SendSignal(sig any) error {
	link := s.Link()
	if link == nil {
		return transport.ErrNotOpen
	}
	return s.sess.SendInternalEvent(EventSignal, sig, link)
}

// Close never fails. Not connected is a no-op; otherwise it requests
// the link close and returns without waiting for the acknowledgment,
// which the steady close handler observes later. A closing timer drops
// the handle if that acknowledgment never arrives.
func (s *Socket) Close() error {
	s.mu.Lock()
	link := s.link
	if link == nil || !s.sess.IsConnected() {
		s.mu.Unlock()
		s.sess.Debugf("close: not connected")
		return nil
	}
	if s.closingTimer != nil {
		s.mu.Unlock()
		return nil
	}
	s.closingTimer = time.AfterFunc(s.timeout, func() {
		s.mu.Lock()
		s.closingTimer = nil
		if s.link != link {
			s.mu.Unlock()
			return
		}
		s.link = nil
		s.mu.Unlock()
		s.sess.Debugf("close ack never arrived, dropping link")
		s.sess.HandleClose()
	})
	s.mu.Unlock()
	link.Close()
	return nil
}

// Link exposes the raw handle for diagnostics. It stays readable after
// a rejected handshake until the server's close event arrives.
func (s *Socket) Link() transport.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Status is a read-only snapshot for diagnostics.
type Status struct {
	URL         string
	Link        transport.Link
	IsConnected bool
}

func (s *Socket) Status() Status {
	return Status{
		URL:         s.url,
		Link:        s.Link(),
		IsConnected: s.sess.IsConnected(),
	}
}

func (s *Socket) stopHandshakeTimerLocked() {
	if t := s.handshakeTimer; t != nil {
		t.Stop()
		s.handshakeTimer = nil
	}
}

func (s *Socket) clearTimersLocked() {
	s.stopHandshakeTimerLocked()
	if t := s.closingTimer; t != nil {
		t.Stop()
		s.closingTimer = nil
	}
}
