package media

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
)

// OpusSilence is a single Opus frame encoding 20ms of silence.
var OpusSilence = []byte{0xf8, 0xff, 0xfe}

// FrameInterval is the sample duration written by Pump.
const FrameInterval = 20 * time.Millisecond

// Pump writes frame to w every FrameInterval until ctx ends. Write errors
// are counted and skipped; a track with no bound connection rejects samples
// until negotiation completes.
func Pump(ctx context.Context, clk clock.Clock, w SampleWriter, frame []byte) (sent, failed uint64) {
	ticker := clk.Ticker(FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return sent, failed
		case <-ticker.C:
			if err := w.WriteSample(frame, FrameInterval); err != nil {
				failed++
				continue
			}
			sent++
		}
	}
}

// Counter tallies packets read from remote tracks.
type Counter struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

// Drain reads r until it ends, counting every packet.
func (c *Counter) Drain(r PacketReceiver) error {
	return r.Drain(func(pkt *rtp.Packet) {
		c.packets.Add(1)
		c.bytes.Add(uint64(len(pkt.Payload)))
	})
}

func (c *Counter) Packets() uint64 { return c.packets.Load() }
func (c *Counter) Bytes() uint64   { return c.bytes.Load() }
