package pairsig

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/shynome/pairsig/session"
	"github.com/shynome/pairsig/transport"
	"github.com/shynome/pairsig/transport/local"
	"github.com/shynome/pairsig/transport/ws"
)

type pairing struct {
	ID string `json:"id"`
}

func newTestSocket(server *local.Server, timeout time.Duration) (*Socket, *session.State) {
	hub := local.NewHub()
	hub.Register("local://relay", server)
	sess := session.New(io.Discard, false)
	cfg := Config{URL: "local://relay", Timeout: timeout}
	return New(cfg, local.NewDialer(hub), sess), sess
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnectSuccess(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameBound
	sock, sess := newTestSocket(server, time.Second)

	got := try.To1(sock.Connect(pairing{ID: "P1"}, "tok"))
	assert.Equal(got.(pairing), pairing{ID: "P1"})
	assert.That(sess.IsConnected())
	assert.Equal(sock.Link().ReadyState(), transport.Open)

	conns := server.Conns()
	assert.Equal(len(conns), 1)
	assert.Equal(conns[0].Subprotocols[0], "tok")

	var env session.Envelope
	try.To(json.Unmarshal(conns[0].Received()[0], &env))
	assert.Equal(env.Kind, EventRegister)
	var p pairing
	try.To(json.Unmarshal(env.Payload, &p))
	assert.Equal(p.ID, "P1")
}

func TestConnectSendClose(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameBound
	sock, sess := newTestSocket(server, time.Second)

	try.To1(sock.Connect(pairing{ID: "P1"}, "tok"))
	sock.SendText("hello")

	conn := server.Conns()[0]
	waitFor(t, func() bool { return len(conn.Received()) == 2 })
	assert.Equal(string(conn.Received()[1]), "hello")

	try.To(sock.Close())
	waitFor(t, func() bool { return !sess.IsConnected() })
	assert.That(sock.Link() == nil)
}

func TestConnectInvalidPairing(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameInvalid
	sock, sess := newTestSocket(server, time.Second)

	_, err := sock.Connect(pairing{ID: "P1"}, "tok")
	assert.That(errors.Is(err, ErrInvalidPairing))
	assert.That(!sess.IsConnected())
	// the handle stays readable until the server's close event
	assert.That(sock.Link() != nil)
}

func TestInvalidPairingServerClose(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameInvalid
	server.CloseAfterVerdict = true
	sock, _ := newTestSocket(server, time.Second)

	_, err := sock.Connect(pairing{ID: "P1"}, "tok")
	assert.That(errors.Is(err, ErrInvalidPairing))
	waitFor(t, func() bool { return sock.Link() == nil })
}

func TestConnectMalformedFrame(t *testing.T) {
	server := local.NewServer()
	server.Verdict = "banana"
	sock, sess := newTestSocket(server, time.Second)

	_, err := sock.Connect(pairing{ID: "P1"}, "tok")
	assert.That(errors.Is(err, ErrConnectionFailed))
	assert.That(!sess.IsConnected())
}

func TestConnectTimeout(t *testing.T) {
	server := local.NewServer() // never replies
	sock, _ := newTestSocket(server, 50*time.Millisecond)

	start := time.Now()
	_, err := sock.Connect(pairing{ID: "P1"}, "tok")
	elapsed := time.Since(start)

	assert.That(errors.Is(err, ErrTimeout))
	assert.That(elapsed >= 50*time.Millisecond, "fired at %s", elapsed)
	assert.That(elapsed < time.Second, "fired at %s", elapsed)
}

func TestVerdictBeatsTimeout(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameBound
	server.VerdictDelay = 40 * time.Millisecond
	sock, sess := newTestSocket(server, 80*time.Millisecond)

	got := try.To1(sock.Connect(pairing{ID: "P1"}, "tok"))
	assert.Equal(got.(pairing).ID, "P1")
	assert.That(sess.IsConnected())
}

func TestLateVerdictDoesNotDisturbReconnect(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameBound
	server.VerdictDelay = 100 * time.Millisecond
	sock, _ := newTestSocket(server, 50*time.Millisecond)

	_, err := sock.Connect(pairing{ID: "P1"}, "tok")
	assert.That(errors.Is(err, ErrTimeout))

	// the first link's verdict is still in flight; the retry gets no
	// verdict at all and must time out on its own timer
	server.SetVerdict("")
	sock.timeout = 200 * time.Millisecond

	errCh := make(chan error, 1)
	go func() {
		_, err := sock.Connect(pairing{ID: "P1"}, "tok")
		errCh <- err
	}()
	select {
	case err := <-errCh:
		assert.That(errors.Is(err, ErrTimeout))
	case <-time.After(2 * time.Second):
		t.Fatal("retry never settled")
	}
}

func TestDialFailure(t *testing.T) {
	hub := local.NewHub()
	sess := session.New(io.Discard, false)
	sock := New(Config{URL: "local://nowhere", Timeout: time.Second}, local.NewDialer(hub), sess)

	_, err := sock.Connect(pairing{ID: "P1"}, "tok")
	assert.That(errors.Is(err, ErrTransport))
	assert.That(strings.Contains(err.Error(), "server is not found"))
}

func TestServerClosesWithoutVerdict(t *testing.T) {
	server := local.NewServer()
	sock, _ := newTestSocket(server, time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := sock.Connect(pairing{ID: "P1"}, "tok")
		errCh <- err
	}()
	waitFor(t, func() bool { return len(server.Conns()) == 1 })
	server.Conns()[0].CloseLink()

	err := <-errCh
	assert.That(errors.Is(err, ErrTransport))
}

func TestTransportErrorDuringHandshake(t *testing.T) {
	server := local.NewServer()
	sock, _ := newTestSocket(server, time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := sock.Connect(pairing{ID: "P1"}, "tok")
		errCh <- err
	}()
	waitFor(t, func() bool { return len(server.Conns()) == 1 })
	server.Conns()[0].Fail(errors.New("boom"))

	err := <-errCh
	assert.That(errors.Is(err, ErrTransport))
	assert.That(strings.Contains(err.Error(), "boom"))
}

func TestSendBeforeConnect(t *testing.T) {
	server := local.NewServer()
	sock, _ := newTestSocket(server, time.Second)

	sock.Send([]byte("dropped"))
	sock.SendText("dropped")
	assert.Equal(len(server.Conns()), 0)
}

func TestSendAfterClose(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameBound
	sock, sess := newTestSocket(server, time.Second)

	try.To1(sock.Connect(pairing{ID: "P1"}, "tok"))
	try.To(sock.Close())
	waitFor(t, func() bool { return !sess.IsConnected() })

	sock.SendText("dropped")
	conn := server.Conns()[0]
	assert.Equal(len(conn.Received()), 1) // only the registration
}

func TestCloseNeverConnected(t *testing.T) {
	server := local.NewServer()
	sock, _ := newTestSocket(server, time.Second)

	try.To(sock.Close())
	assert.Equal(len(server.Conns()), 0)
}

func TestCloseIdempotent(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameBound
	sock, sess := newTestSocket(server, time.Second)

	var closes atomic.Int32
	sess.On(session.TopicClose, func(json.RawMessage) { closes.Add(1) })

	try.To1(sock.Connect(pairing{ID: "P1"}, "tok"))
	go sock.Close()
	try.To(sock.Close())

	waitFor(t, func() bool { return !sess.IsConnected() })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(closes.Load(), int32(1))
}

func TestSendSignal(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameBound
	sock, _ := newTestSocket(server, time.Second)

	try.To1(sock.Connect(pairing{ID: "P1"}, "tok"))
	try.To(sock.SendSignal(map[string]string{"type": "offer", "sdp": "v=0"}))

	conn := server.Conns()[0]
	waitFor(t, func() bool { return len(conn.Received()) == 2 })
	var env session.Envelope
	try.To(json.Unmarshal(conn.Received()[1], &env))
	assert.Equal(env.Kind, EventSignal)
}

func TestSteadyStateRelay(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameBound
	sock, sess := newTestSocket(server, time.Second)

	dataCh := make(chan []byte, 1)
	sess.On(session.TopicData, func(raw json.RawMessage) { dataCh <- raw })
	sigCh := make(chan json.RawMessage, 1)
	sess.On(EventSignal, func(raw json.RawMessage) { sigCh <- raw })

	try.To1(sock.Connect(pairing{ID: "P1"}, "tok"))
	conn := server.Conns()[0]

	conn.Push([]byte("opaque payload"))
	assert.Equal(string(<-dataCh), "opaque payload")

	frame := try.To1(json.Marshal(session.Envelope{
		Kind:    EventSignal,
		Payload: json.RawMessage(`{"type":"answer"}`),
	}))
	conn.Push(frame)
	assert.Equal(string(<-sigCh), `{"type":"answer"}`)
}

func TestReconnectAfterClose(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameBound
	sock, sess := newTestSocket(server, time.Second)

	try.To1(sock.Connect(pairing{ID: "P1"}, "tok"))
	try.To(sock.Close())
	waitFor(t, func() bool { return !sess.IsConnected() })

	got := try.To1(sock.Connect(pairing{ID: "P1"}, "tok"))
	assert.Equal(got.(pairing).ID, "P1")
	assert.That(sess.IsConnected())
	assert.Equal(len(server.Conns()), 2)
}

func TestDefaultDialerBoundsUpgrade(t *testing.T) {
	sock := NewDefault(Config{Timeout: 123 * time.Millisecond})
	dialer := sock.dialer.(*ws.Dialer)
	assert.Equal(dialer.HandshakeTimeout, 123*time.Millisecond)

	sock = NewDefault(Config{})
	dialer = sock.dialer.(*ws.Dialer)
	assert.Equal(dialer.HandshakeTimeout, DefaultTimeout)
}

func TestStatusSnapshot(t *testing.T) {
	server := local.NewServer()
	server.Verdict = FrameBound
	sock, _ := newTestSocket(server, time.Second)

	st := sock.Status()
	assert.Equal(st.URL, "local://relay")
	assert.That(st.Link == nil)
	assert.That(!st.IsConnected)

	try.To1(sock.Connect(pairing{ID: "P1"}, "tok"))
	st = sock.Status()
	assert.That(st.Link != nil)
	assert.That(st.IsConnected)
}
