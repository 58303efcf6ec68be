package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lainio/err2/try"
	"github.com/rs/zerolog"
	"github.com/shynome/pairsig"
	"github.com/shynome/pairsig/session"
	"github.com/shynome/pairsig/transport"
	"github.com/shynome/pairsig/transport/sselink"
	"github.com/shynome/pairsig/transport/ws"
)

type fileConfig struct {
	URL       string `toml:"url"`
	TimeoutMS int    `toml:"timeout_ms"`
	Debug     bool   `toml:"debug"`
}

func main() {
	cfgPath := flag.String("config", "", "optional toml config file")
	url := flag.String("url", pairsig.DefaultURL, "signaling server url")
	id := flag.String("pairing", "", "pairing id")
	token := flag.String("token", "", "auth token")
	timeout := flag.Duration("timeout", pairsig.DefaultTimeout, "handshake timeout")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	if *id == "" {
		fmt.Fprintln(os.Stderr, "pairing is required")
		os.Exit(1)
		return
	}

	cfg := pairsig.Config{URL: *url, Timeout: *timeout, Debug: *debug}
	if *cfgPath != "" {
		var fc fileConfig
		try.To1(toml.DecodeFile(*cfgPath, &fc))
		if fc.URL != "" {
			cfg.URL = fc.URL
		}
		if fc.TimeoutMS > 0 {
			cfg.Timeout = time.Duration(fc.TimeoutMS) * time.Millisecond
		}
		cfg.Debug = cfg.Debug || fc.Debug
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var dialer transport.Dialer = &ws.Dialer{HandshakeTimeout: cfg.Timeout}
	if !ws.Supported() {
		log.Info().Msg("websocket unavailable, falling back to sse link")
		dialer = &sselink.Dialer{}
	}

	sess := session.New(os.Stderr, cfg.Debug)
	sock := pairsig.New(cfg, dialer, sess)

	done := make(chan struct{})
	sess.On(session.TopicClose, func(json.RawMessage) { close(done) })
	sess.On(session.TopicData, func(raw json.RawMessage) {
		log.Info().Bytes("payload", raw).Msg("data")
	})
	sess.On(pairsig.EventSignal, func(raw json.RawMessage) {
		log.Info().RawJSON("signal", raw).Msg("peer signal")
	})

	paired := try.To1(sock.Connect(map[string]string{"id": *id}, *token))
	log.Info().Interface("pairing", paired).Str("url", cfg.URL).Msg("paired")

	interrupt := make(chan os.Signal, 1)
	ossignal.Notify(interrupt, os.Interrupt)
	select {
	case <-interrupt:
		try.To(sock.Close())
		<-done
	case <-done:
	}
}
