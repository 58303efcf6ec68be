package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shynome/pairsig/transport"
)

type Dialer struct {
	// HandshakeTimeout bounds the websocket upgrade itself, not the
	// pairing handshake that follows.
	HandshakeTimeout time.Duration
}

var _ transport.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(url string, subprotocols []string) (transport.Link, error) {
	wd := websocket.Dialer{
		Subprotocols:     subprotocols,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, _, err := wd.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newLink(conn), nil
}

type Link struct {
	conn *websocket.Conn

	mu    sync.Mutex
	h     transport.Handlers
	state transport.ReadyState

	pump sync.Once
}

var _ transport.Link = (*Link)(nil)

func newLink(conn *websocket.Conn) *Link {
	return &Link{
		conn:  conn,
		state: transport.Open,
	}
}

func (l *Link) Bind(h transport.Handlers) {
	l.mu.Lock()
	l.h = h
	l.mu.Unlock()
	// the read pump starts with the first handler set so no frame is
	// ever delivered into an unbound link
	l.pump.Do(func() { go l.readPump() })
}

func (l *Link) handlers() transport.Handlers {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h
}

func (l *Link) readPump() {
	if h := l.handlers(); h.Open != nil {
		h.Open()
	}
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			closing := l.ReadyState() == transport.Closing
			l.setState(transport.Closed)
			h := l.handlers()
			if !closing && !isExpectedClose(err) && h.Error != nil {
				h.Error(err)
			}
			if h.Close != nil {
				h.Close()
			}
			return
		}
		if h := l.handlers(); h.Message != nil {
			h.Message(data)
		}
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
	)
}

func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != transport.Open {
		return transport.ErrNotOpen
	}
	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (l *Link) SendText(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != transport.Open {
		return transport.ErrNotOpen
	}
	return l.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == transport.Closing || l.state == transport.Closed {
		l.mu.Unlock()
		return nil
	}
	l.state = transport.Closing
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	deadline := time.Now().Add(time.Second)
	l.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	l.mu.Unlock()
	return l.conn.Close()
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
