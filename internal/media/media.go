package media

import (
	"time"

	"github.com/pion/rtp"
)

// SampleWriter sends encoded media samples.
type SampleWriter interface {
	WriteSample(data []byte, duration time.Duration) error
}

// PacketReceiver consumes RTP packets received from the peer.
type PacketReceiver interface {
	Drain(fn func(pkt *rtp.Packet)) error
}
