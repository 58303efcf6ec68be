package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v3"
	"github.com/shynome/pairsig"
	"github.com/shynome/pairsig/session"
	"github.com/shynome/pairsig/signal"
	"github.com/shynome/pairsig/transport/local"
)

func main() {
	try.To(run(os.Stdout))
}

// run pairs two sockets against an in-memory relay and negotiates a
// webrtc data channel through them: alice offers, bob answers, then
// one message crosses the channel.
func run(out io.Writer) (err error) {
	defer err2.Handle(&err)

	hub := local.NewHub()
	sa, sb := local.NewServer(), local.NewServer()
	sa.Verdict = pairsig.FrameBound
	sb.Verdict = pairsig.FrameBound
	hub.Register("local://a", sa)
	hub.Register("local://b", sb)
	relay(sa, sb)

	alice, aliceSess := dial(hub, "local://a", "alice")
	bob, bobSess := dial(hub, "local://b", "bob")
	defer alice.Close()
	defer bob.Close()

	received := make(chan string, 1)
	bobSess.On(pairsig.EventSignal, answerOffers(bob, received))

	answerCh := make(chan signal.Message, 1)
	aliceSess.On(pairsig.EventSignal, func(raw json.RawMessage) {
		var msg signal.Message
		if json.Unmarshal(raw, &msg) == nil && msg.Type == signal.TypeAnswer {
			answerCh <- msg
		}
	})

	pc := try.To1(webrtc.NewPeerConnection(webrtc.Configuration{}))
	defer pc.Close()
	dc := try.To1(pc.CreateDataChannel("chat", nil))
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer := try.To1(pc.CreateOffer(nil))
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	try.To(pc.SetLocalDescription(offer))
	<-gatherComplete
	try.To(alice.SendSignal(signal.Message{
		Type: signal.TypeOffer,
		From: "alice", To: "bob",
		SDP: pc.LocalDescription(),
	}))

	answer := <-answerCh
	try.To(pc.SetRemoteDescription(*answer.SDP))

	<-opened
	try.To(dc.SendText("hello from alice"))
	fmt.Fprintln(out, <-received)
	return nil
}

func dial(hub *local.Hub, url, id string) (*pairsig.Socket, *session.State) {
	sess := session.New(os.Stderr, false)
	sock := pairsig.New(
		pairsig.Config{URL: url, Timeout: 5 * time.Second},
		local.NewDialer(hub), sess,
	)
	try.To1(sock.Connect(map[string]string{"id": id}, "tok"))
	sess.Infof("%s paired over %s", id, url)
	return sock, sess
}

func answerOffers(sock *pairsig.Socket, received chan<- string) session.Handler {
	return func(raw json.RawMessage) {
		go func() {
			defer err2.Catch()
			var msg signal.Message
			try.To(json.Unmarshal(raw, &msg))
			if msg.Type != signal.TypeOffer {
				return
			}
			pc := try.To1(webrtc.NewPeerConnection(webrtc.Configuration{}))
			pc.OnDataChannel(func(dc *webrtc.DataChannel) {
				dc.OnMessage(func(m webrtc.DataChannelMessage) {
					received <- string(m.Data)
				})
			})
			try.To(pc.SetRemoteDescription(*msg.SDP))
			answer := try.To1(pc.CreateAnswer(nil))
			gatherComplete := webrtc.GatheringCompletePromise(pc)
			try.To(pc.SetLocalDescription(answer))
			<-gatherComplete
			try.To(sock.SendSignal(signal.Message{
				Type: signal.TypeAnswer,
				From: msg.To, To: msg.From,
				SDP: pc.LocalDescription(),
			}))
		}()
	}
}

// relay moves every post-registration frame from one relay server to
// the peer dialed into the other, in both directions.
func relay(a, b *local.Server) {
	fwd := func(src, dst *local.Server) {
		seen := 1 // skip the registration frame
		for {
			sc, dc := src.Conns(), dst.Conns()
			if len(sc) == 0 || len(dc) == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			frames := sc[0].Received()
			for ; seen < len(frames); seen++ {
				dc[0].Push(frames[seen])
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	go fwd(a, b)
	go fwd(b, a)
}
