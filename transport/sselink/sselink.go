// Package sselink is a fallback link for hosts without a websocket
// client: inbound frames arrive on a server-sent-event stream, outbound
// frames go out as plain POST requests against the same endpoint.
package sselink

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/shynome/pairsig/transport"
)

type Dialer struct {
	Client *http.Client
}

var _ transport.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(rawurl string, subprotocols []string) (_ transport.Link, err error) {
	defer err2.Handle(&err)

	endpoint := try.To1(url.Parse(rawurl))
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	var token string
	if len(subprotocols) > 0 {
		token = subprotocols[0]
	}
	l := &Link{
		endpoint: endpoint,
		client:   client,
		token:    token,
		state:    transport.Connecting,
	}
	req := try.To1(l.newReq(http.MethodGet, http.NoBody))
	l.stream = try.To1(eventsource.SubscribeWithRequest("", req))
	l.state = transport.Open
	return l, nil
}

type Link struct {
	endpoint *url.URL
	client   *http.Client
	token    string
	stream   *eventsource.Stream

	mu    sync.Mutex
	h     transport.Handlers
	state transport.ReadyState

	pump sync.Once
}

var _ transport.Link = (*Link)(nil)

func (l *Link) newReq(method string, body io.Reader) (req *http.Request, err error) {
	if req, err = http.NewRequest(method, l.endpoint.String(), body); err != nil {
		return
	}
	q := req.URL.Query()
	q.Set("token", l.token)
	req.URL.RawQuery = q.Encode()
	u := l.endpoint.User
	pass, _ := u.Password()
	req.SetBasicAuth(u.Username(), pass)
	return
}

func (l *Link) doReq(req *http.Request) (res *http.Response, err error) {
	res, err = l.client.Do(req)
	if err != nil {
		return
	}
	if strings.HasPrefix(res.Status, "2") {
		return
	}
	var errText []byte
	if errText, err = io.ReadAll(res.Body); err != nil {
		return
	}
	err = fmt.Errorf("server err. status: %s. content: %s", res.Status, errText)
	return
}

func (l *Link) Bind(h transport.Handlers) {
	l.mu.Lock()
	l.h = h
	l.mu.Unlock()
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
	// Stream.Close closes Events and Errors both; a nil channel keeps
	// the select off Errors once it is drained
	events, errs := l.stream.Events, l.stream.Errors
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				l.setState(transport.Closed)
				if h := l.handlers(); h.Close != nil {
					h.Close()
				}
				return
			}
			if h := l.handlers(); h.Message != nil {
				h.Message([]byte(ev.Data()))
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if h := l.handlers(); h.Error != nil {
				h.Error(err)
			}
		}
	}
}

func (l *Link) send(data []byte) (err error) {
	defer err2.Handle(&err)
	if l.ReadyState() != transport.Open {
		return transport.ErrNotOpen
	}
	req := try.To1(l.newReq(http.MethodPost, bytes.NewReader(data)))
	res := try.To1(l.doReq(req))
	res.Body.Close()
	return
}

func (l *Link) Send(data []byte) error     { return l.send(data) }
func (l *Link) SendText(text string) error { return l.send([]byte(text)) }

func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == transport.Closed || l.state == transport.Closing {
		l.mu.Unlock()
		return nil
	}
	l.state = transport.Closing
	l.mu.Unlock()
	// Stream.Close ends the Events channel, the pump reports Close
	l.stream.Close()
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
