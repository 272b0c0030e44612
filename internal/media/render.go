package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/util"
)

const pliInterval = 3 * time.Second

// Sink consumes RTP packets from one remote track.
type Sink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// RenderRemote pumps a remote track into a sink until the track ends or the
// context is cancelled. For video it also asks the sender for a keyframe
// periodically, so late joiners and lossy paths recover a decodable picture.
// Intended to run as a goroutine from an OnTrack handler.
func RenderRemote(ctx context.Context, pc *webrtc.PeerConnection, track *webrtc.TrackRemote, sink Sink) {
	defer sink.Close()

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go pliLoop(ctx, pc, track)
	}

	for {
		if err := ctx.Err(); err != nil {
			return
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugw("remote track read ended", "kind", track.Kind(), "err", err)
			}
			return
		}
		if err := sink.WriteRTP(pkt); err != nil {
			log.Warnw("sink rejected packet, stopping render", "kind", track.Kind(), "err", err)
			return
		}
	}
}

func pliLoop(ctx context.Context, pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// BufferSink counts traffic and keeps the most recent packets for
// diagnostics. It never blocks the render loop.
type BufferSink struct {
	mu      sync.Mutex
	packets uint64
	bytes   uint64
	recent  *util.RingBuffer[uint16]
	closed  bool
}

func NewBufferSink() *BufferSink {
	return &BufferSink{recent: util.NewRingBuffer[uint16](256)}
}

func (s *BufferSink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink closed")
	}
	s.packets++
	s.bytes += uint64(len(pkt.Payload))
	s.recent.Push(pkt.SequenceNumber)
	return nil
}

// Stats returns packet and payload byte counts so far.
func (s *BufferSink) Stats() (packets, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.bytes
}

// RecentSequenceNumbers returns the sequence numbers of recently consumed
// packets, oldest first.
func (s *BufferSink) RecentSequenceNumbers() []uint16 {
	return s.recent.Snapshot()
}

func (s *BufferSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
