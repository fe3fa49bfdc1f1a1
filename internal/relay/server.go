package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/junsooki/dialtone/internal/signaling"
)

const (
	DefaultHeartbeatInterval = signaling.DefaultHeartbeatInterval
	DefaultServerVersion     = "dialtone-relay/1"

	writeWait = 5 * time.Second
)

// Options configure a Server. Zero values select defaults.
type Options struct {
	// HeartbeatInterval is advertised to clients in the identity event.
	HeartbeatInterval time.Duration
	// IdleTimeout closes connections that send nothing, heartbeats
	// included, for this long. Defaults to three heartbeat intervals.
	IdleTimeout   time.Duration
	ServerVersion string

	Logger  zerolog.Logger
	Metrics *Metrics
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

// Server is a websocket relay: it assigns each connection a temporary
// identity and forwards message envelopes to their destination.
type Server struct {
	hub      *Hub
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewServer(opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.ServerVersion == "" {
		opts.ServerVersion = DefaultServerVersion
	}
	log := opts.Logger.With().Str("component", "relay").Logger()
	return &Server{
		hub:  NewHub(opts.Metrics, log),
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Identities are anonymous; any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Hub returns the server's hub. Start must be called before serving.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub.
func (s *Server) Start() { go s.hub.Run() }

// Stop disconnects every peer.
func (s *Server) Stop() { s.hub.Stop() }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ServeWS upgrades the request and serves one peer until it disconnects.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	p := &peerConn{id: uuid.NewString(), send: make(chan []byte, sendBuffer)}
	l := s.log.With().Str("peer", p.id).Logger()

	identity, err := json.Marshal(signaling.IdentityInfo{
		ServerVersion:     s.opts.ServerVersion,
		TempID:            p.id,
		HeartbeatInterval: int(s.opts.HeartbeatInterval / time.Second),
	})
	if err != nil {
		l.Error().Err(err).Msg("encode identity")
		conn.Close()
		return
	}
	env, _ := json.Marshal(signaling.Envelope{Action: signaling.ActionIdentity, Data: identity})
	p.send <- env

	if !s.hub.Register(p) {
		conn.Close()
		return
	}
	l.Info().Str("remote_addr", r.RemoteAddr).Msg("peer connected")

	go s.writePump(conn, p, l)
	s.readPump(conn, p, l)

	s.hub.Unregister(p)
	l.Info().Msg("peer disconnected")
}

func (s *Server) readPump(conn *websocket.Conn, p *peerConn, l zerolog.Logger) {
	defer conn.Close()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		var env signaling.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.Debug().Err(err).Msg("read ended")
			}
			return
		}

		switch env.Action {
		case signaling.ActionHeartbeat:
		case signaling.ActionMessage:
			if env.To == "" {
				s.opts.Metrics.dropped(reasonMalformed)
				l.Debug().Uint64("seq", env.Seq).Msg("message without destination")
				continue
			}
			env.From = p.id
			data, err := json.Marshal(env)
			if err != nil {
				s.opts.Metrics.dropped(reasonMalformed)
				continue
			}
			s.hub.Forward(env.To, data)
		default:
			s.opts.Metrics.dropped(reasonMalformed)
			l.Debug().Str("action", env.Action).Msg("unknown action")
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, p *peerConn, l zerolog.Logger) {
	defer conn.Close()
	for data := range p.send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			l.Debug().Err(err).Msg("write failed")
			return
		}
	}
	// Queue closed by the hub.
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
