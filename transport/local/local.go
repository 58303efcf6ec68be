// Package local is an in-memory transport for tests: a Hub maps urls
// to scripted Servers, and every dialed Link delivers its events from
// one dispatch goroutine exactly like the real transports do.
package local

import (
	"fmt"
	"sync"
	"time"

	"github.com/shynome/pairsig/transport"
)

type Hub struct {
	pool  map[string]*Server
	poolL *sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		pool:  make(map[string]*Server),
		poolL: &sync.RWMutex{},
	}
}

func (hub *Hub) Register(url string, server *Server) {
	if url == "" || server == nil {
		return
	}
	hub.poolL.Lock()
	defer hub.poolL.Unlock()
	hub.pool[url] = server
}

func (hub *Hub) Find(url string) *Server {
	hub.poolL.RLock()
	defer hub.poolL.RUnlock()
	return hub.pool[url]
}

// Server scripts the far end of a handshake. Verdict is the first
// frame pushed back after the client's registration frame arrives; an
// empty Verdict means the server stays silent.
type Server struct {
	Verdict           string
	VerdictDelay      time.Duration
	CloseAfterVerdict bool

	mu    sync.Mutex
	conns []*Conn
}

func NewServer() *Server {
	return &Server{}
}

// SetVerdict reprograms the verdict for links dialed afterwards.
func (s *Server) SetVerdict(verdict string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Verdict = verdict
}

func (s *Server) script() (verdict string, delay time.Duration, closeAfter bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Verdict, s.VerdictDelay, s.CloseAfterVerdict
}

// Conns snapshots the server side of every link dialed so far.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// Conn is the server-side handle of one dialed link.
type Conn struct {
	Subprotocols []string

	link *Link

	mu       sync.Mutex
	received [][]byte
}

// Received snapshots the frames the client has sent so far.
func (c *Conn) Received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.received...)
}

// Push delivers a frame to the client.
func (c *Conn) Push(data []byte) { c.link.deliver(event{kind: evMessage, data: data}) }

// Fail delivers a transport error to the client.
func (c *Conn) Fail(err error) { c.link.deliver(event{kind: evError, err: err}) }

// CloseLink closes the link from the server side.
func (c *Conn) CloseLink() {
	c.link.setState(transport.Closed)
	c.link.deliver(event{kind: evClose})
}

type Dialer struct {
	hub *Hub
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer(hub *Hub) *Dialer {
	return &Dialer{hub: hub}
}

func (d *Dialer) Dial(url string, subprotocols []string) (transport.Link, error) {
	server := d.hub.Find(url)
	if server == nil {
		return nil, fmt.Errorf("server is not found. url: %s", url)
	}
	l := &Link{
		server: server,
		events: make(chan event, 64),
		state:  transport.Open,
	}
	conn := &Conn{Subprotocols: subprotocols, link: l}
	l.conn = conn
	server.mu.Lock()
	server.conns = append(server.conns, conn)
	server.mu.Unlock()
	return l, nil
}

const (
	evOpen = iota
	evMessage
	evError
	evClose
)

type event struct {
	kind int
	data []byte
	err  error
}

type Link struct {
	server *Server
	conn   *Conn
	events chan event

	mu    sync.Mutex
	h     transport.Handlers
	state transport.ReadyState
	sent  int

	pump sync.Once
}

var _ transport.Link = (*Link)(nil)

func (l *Link) Bind(h transport.Handlers) {
	l.mu.Lock()
	l.h = h
	l.mu.Unlock()
	l.pump.Do(func() {
		go l.dispatch()
		l.deliver(event{kind: evOpen})
	})
}

func (l *Link) handlers() transport.Handlers {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h
}

func (l *Link) deliver(ev event) {
	select {
	case l.events <- ev:
	default:
	}
}

func (l *Link) dispatch() {
	for ev := range l.events {
		h := l.handlers()
		switch ev.kind {
		case evOpen:
			if h.Open != nil {
				h.Open()
			}
		case evMessage:
			if h.Message != nil {
				h.Message(ev.data)
			}
		case evError:
			if h.Error != nil {
				h.Error(ev.err)
			}
		case evClose:
			if h.Close != nil {
				h.Close()
			}
			return
		}
	}
}

func (l *Link) send(data []byte) error {
	l.mu.Lock()
	if l.state != transport.Open {
		l.mu.Unlock()
		return transport.ErrNotOpen
	}
	first := l.sent == 0
	l.sent++
	l.mu.Unlock()

	c := l.conn
	c.mu.Lock()
	c.received = append(c.received, data)
	c.mu.Unlock()

	if first {
		go l.runScript()
	}
	return nil
}

// runScript plays the server's scripted handshake response to the
// registration frame.
func (l *Link) runScript() {
	verdict, delay, closeAfter := l.server.script()
	if verdict == "" {
		return
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	l.deliver(event{kind: evMessage, data: []byte(verdict)})
	if closeAfter {
		l.setState(transport.Closed)
		l.deliver(event{kind: evClose})
	}
}

func (l *Link) Send(data []byte) error     { return l.send(data) }
func (l *Link) SendText(text string) error { return l.send([]byte(text)) }

func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == transport.Closed || l.state == transport.Closing {
		l.mu.Unlock()
		return nil
	}
	l.state = transport.Closed
	l.mu.Unlock()
	l.deliver(event{kind: evClose})
	return nil
}

func (l *Link) ReadyState() transport.ReadyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s transport.ReadyState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}
