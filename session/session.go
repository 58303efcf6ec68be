// Package session holds the shared connection bookkeeping the pairing
// socket delegates to: status, a debug log sink, and the internal
// pub/sub used to tell framework control events apart from relayed
// application payload.
package session

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shynome/pairsig/transport"
)

type Status int

const (
	Connecting Status = iota
	Connected
	Closed
)

// Hooks is the capability the socket drives. SendInternalEvent owns
// the control framing; the socket never inspects it.
type Hooks interface {
	SendInternalEvent(kind string, payload any, link transport.Link) error
	IsConnected() bool

	HandleConnected()
	HandleError(err error)
	HandleClose()
	HandleMessage(data []byte)

	Debugf(format string, args ...any)
}

// Envelope is the control framing: a named event plus its payload.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Topics the default State publishes on besides control event kinds.
const (
	TopicData  = "data"
	TopicError = "error"
	TopicClose = "close"
)

type Handler func(payload json.RawMessage)

// Emitter is a minimal synchronous pub/sub. Handlers run on the
// caller's goroutine, which for inbound traffic is the link's dispatch
// goroutine.
type Emitter struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func (e *Emitter) On(topic string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[string][]Handler)
	}
	e.subs[topic] = append(e.subs[topic], h)
}

func (e *Emitter) Emit(topic string, payload json.RawMessage) {
	e.mu.RLock()
	hs := append([]Handler(nil), e.subs[topic]...)
	e.mu.RUnlock()
	for _, h := range hs {
		h(payload)
	}
}

// State is the default Hooks implementation.
type State struct {
	Emitter

	log zerolog.Logger

	mu     sync.Mutex
	status Status
}

var _ Hooks = (*State)(nil)

func New(out io.Writer, debug bool) *State {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &State{log: log}
}

func (s *State) SendInternalEvent(kind string, payload any, link transport.Link) (err error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := json.Marshal(Envelope{Kind: kind, Payload: raw})
	if err != nil {
		return
	}
	s.log.Debug().Str("event", kind).Msg("send internal event")
	return link.Send(frame)
}

func (s *State) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == Connected
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *State) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *State) HandleConnected() {
	s.setStatus(Connected)
	s.log.Info().Msg("connected")
}

func (s *State) HandleError(err error) {
	if err == nil {
		return
	}
	s.log.Warn().Err(err).Msg("transport error")
	s.Emit(TopicError, mustRaw(err.Error()))
}

func (s *State) HandleClose() {
	s.setStatus(Closed)
	s.log.Info().Msg("closed")
	s.Emit(TopicClose, nil)
}

// HandleMessage decodes the control framing of an inbound frame.
// Frames that are not an envelope pass through on TopicData untouched.
func (s *State) HandleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Kind == "" {
		s.Emit(TopicData, data)
		return
	}
	s.log.Debug().Str("event", env.Kind).Msg("recv internal event")
	s.Emit(env.Kind, env.Payload)
}

func (s *State) Debugf(format string, args ...any) {
	s.log.Debug().Msgf(format, args...)
}

func (s *State) Infof(format string, args ...any) {
	s.log.Info().Msgf(format, args...)
}

func mustRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
