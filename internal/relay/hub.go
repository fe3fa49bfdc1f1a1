package relay

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// sendBuffer is the per-connection outbound queue length. A peer that falls
// further behind loses messages; signaling is best effort.
const sendBuffer = 64

type peerConn struct {
	id   string
	send chan []byte
}

type routed struct {
	to   string
	data []byte
}

// Hub tracks connected peers and routes encoded envelopes between them.
// All map access happens on the Run goroutine.
type Hub struct {
	register   chan *peerConn
	unregister chan *peerConn
	forward    chan routed
	quit       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}

	peers   map[string]*peerConn
	count   atomic.Int64
	metrics *Metrics
	log     zerolog.Logger
}

func NewHub(metrics *Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *peerConn),
		unregister: make(chan *peerConn),
		forward:    make(chan routed, sendBuffer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		peers:      make(map[string]*peerConn),
		metrics:    metrics,
		log:        logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for id, p := range h.peers {
				close(p.send)
				delete(h.peers, id)
			}
			h.count.Store(0)
			return

		case p := <-h.register:
			h.peers[p.id] = p
			h.count.Store(int64(len(h.peers)))
			h.metrics.connected()
			h.log.Info().Str("peer", p.id).Msg("peer registered")

		case p := <-h.unregister:
			if cur, ok := h.peers[p.id]; ok && cur == p {
				delete(h.peers, p.id)
				close(p.send)
				h.count.Store(int64(len(h.peers)))
				h.metrics.disconnected()
				h.log.Info().Str("peer", p.id).Msg("peer unregistered")
			}

		case r := <-h.forward:
			p, ok := h.peers[r.to]
			if !ok {
				h.metrics.dropped(reasonUnknownPeer)
				h.log.Debug().Str("to", r.to).Msg("dropping message for unknown peer")
				continue
			}
			select {
			case p.send <- r.data:
				h.metrics.forwarded()
			default:
				h.metrics.dropped(reasonBackpressure)
				h.log.Warn().Str("to", r.to).Msg("peer send queue full, dropping message")
			}
		}
	}
}

// Register adds p. It returns false once the hub is stopped.
func (h *Hub) Register(p *peerConn) bool {
	select {
	case h.register <- p:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(p *peerConn) {
	select {
	case h.unregister <- p:
	case <-h.done:
	}
}

// Forward routes an encoded envelope to peer to.
func (h *Hub) Forward(to string, data []byte) {
	select {
	case h.forward <- routed{to: to, data: data}:
	case <-h.done:
	}
}

// Len returns the number of registered peers.
func (h *Hub) Len() int { return int(h.count.Load()) }

// Stop closes every peer queue and waits for Run to return.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}
