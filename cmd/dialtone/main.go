package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/junsooki/dialtone/internal/call"
	"github.com/junsooki/dialtone/internal/config"
	"github.com/junsooki/dialtone/internal/media"
	"github.com/junsooki/dialtone/internal/peer"
	"github.com/junsooki/dialtone/internal/signaling"
)

func main() {
	cfg, err := config.ParseClientFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	l.Info().
		Str("signaling", cfg.SignalingURL).
		Str("dial", cfg.Dial).
		Bool("auto_accept", cfg.AutoAccept).
		Str("media", cfg.Media).
		Msg("dialtone starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Fatal().Err(err).Msg("dialtone failed")
	}
	l.Info().Msg("dialtone exited")
}

func run(ctx context.Context, cfg *config.ClientConfig, l zerolog.Logger) error {
	purposes, err := cfg.MediaPurposes()
	if err != nil {
		return err
	}
	servers, err := cfg.ICEServers()
	if err != nil {
		return err
	}
	pcfg := peer.DefaultConfig()
	if servers != nil {
		pcfg = peer.Config{ICEServers: servers}
	}

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, l)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	identified := make(chan struct{}, 1)
	var phone *call.Phone
	sig := signaling.NewClient(cfg.SignalingURL, signaling.Handler{
		OnIdentity: func(signaling.IdentityInfo) {
			select {
			case identified <- struct{}{}:
			default:
			}
		},
		OnMessage: func(in signaling.Inbound) { phone.Deliver(in) },
		OnDisconnect: func(err error) {
			l.Warn().Err(err).Msg("signaling disconnected")
			phone.Disconnected(err)
		},
	}, signaling.Options{HeartbeatInterval: cfg.HeartbeatInterval, Logger: l})

	phone = call.NewPhone(sig, call.Options{
		DialRetryPeriod: cfg.DialRetryPeriod,
		IncomingTimeout: cfg.IncomingTimeout,
		DialTimeout:     cfg.DialTimeout,
		Negotiator:      peer.NewPionNegotiator(pcfg, l),
		Media:           purposes,
		Logger:          l,
		Metrics:         call.NewMetrics(reg),
	})
	s := &session{ctx: ctx, log: l}
	defer s.wait()
	// Closing the phone ends every dialog, which ends the media goroutines.
	defer phone.Close()

	phone.OnGreeting(func(g call.Greeting) {
		l.Info().Str("from", g.From).Bool("reply", g.Reply).Msg("greeting")
	})
	phone.OnIncoming(func(in *call.Incoming) {
		l.Info().Str("from", in.Peer()).Str("call_id", in.ID()).Msg("incoming call")
		if !cfg.AutoAccept {
			return
		}
		go func() {
			d, err := in.Accept(ctx)
			if err != nil {
				l.Warn().Err(err).Str("from", in.Peer()).Msg("accept failed")
				return
			}
			s.attend(d)
		}()
	})

	if err := sig.Connect(ctx); err != nil {
		return err
	}
	defer sig.Close()

	select {
	case <-identified:
	case <-ctx.Done():
		return nil
	}
	info, ok := sig.Identity()
	if !ok {
		return signaling.ErrChannelUnavailable
	}
	advertised := time.Duration(info.HeartbeatInterval) * time.Second
	if advertised > 0 && cfg.HeartbeatInterval > advertised {
		l.Warn().
			Dur("heartbeat", cfg.HeartbeatInterval).
			Dur("relay_heartbeat", advertised).
			Msg("heartbeat slower than the relay expects; the relay may drop this connection")
	}

	if cfg.Dial == "" {
		l.Info().Str("id", info.TempID).Msg("ready; share this id with callers")
		<-ctx.Done()
		return nil
	}

	dialing, err := phone.Dial(ctx, cfg.Dial)
	if err != nil {
		return err
	}
	l.Info().Str("to", cfg.Dial).Str("call_id", dialing.ID()).Msg("dialing")

	select {
	case <-dialing.Done():
	case <-ctx.Done():
		_ = dialing.Cancel()
		return nil
	}
	res, _ := dialing.Result()
	if res.Outcome != call.OutcomeAccepted {
		l.Info().Str("outcome", string(res.Outcome)).AnErr("cause", res.Err).Msg("call not connected")
		if res.Outcome == call.OutcomeFailed {
			return res.Err
		}
		return nil
	}
	s.attend(res.Dialog)

	select {
	case <-res.Dialog.Done():
	case <-ctx.Done():
		_ = res.Dialog.Hangup()
	}
	return nil
}

// session keeps media flowing on established dialogs. Observers run on the
// phone's notifier goroutine, so media goroutines are started through spawn,
// which refuses new work once wait has begun.
type session struct {
	ctx context.Context
	log zerolog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func (s *session) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *session) attend(d *call.Dialog) {
	log := s.log.With().Str("peer", d.Peer()).Str("call_id", d.ID()).Logger()
	log.Info().Msg("call connected")

	ctx, cancel := context.WithCancel(s.ctx)
	d.OnEnd(func(res call.Result) {
		cancel()
		log.Info().Str("outcome", string(res.Outcome)).AnErr("cause", res.Err).Msg("call ended")
	})

	var received media.Counter
	d.OnRemoteTrack(func(t *media.RemoteTrack) {
		log.Info().Str("kind", t.Kind()).Str("track", t.ID()).Str("stream", t.StreamID()).Msg("receiving")
		s.spawn(func() {
			if err := received.Drain(t); err != nil {
				log.Debug().Err(err).Msg("remote track ended")
			}
		})
	})

	for _, h := range d.Handles() {
		if h.Purpose() != media.PurposeVoice {
			continue
		}
		s.spawn(func() {
			sent, failed := media.Pump(ctx, clock.New(), h, media.OpusSilence)
			log.Info().
				Uint64("sent", sent).
				Uint64("failed", failed).
				Uint64("received", received.Packets()).
				Msg("voice stopped")
		})
	}
}

func (s *session) wait() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}

func serveMetrics(addr string, reg *prometheus.Registry, l zerolog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		l.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("metrics server")
		}
	}()
	return srv
}
