package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tuncat/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing packet channel capacity
)

// sender is a goroutine-based packet writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled; onFail
// is called if a write fails.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, onFail func(error)) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal, onFail)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, onFail func(error)) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case data := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(data); err != nil {
				util.LogError("rtc: failed to send %d-byte packet: %v", len(data), err)
				onFail(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a packet for transmission. It blocks while the internal
// buffer is full and reports false when ctx is cancelled first.
func (s *sender) send(ctx context.Context, data []byte) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case s.inbox <- data:
		return true
	case <-ctx.Done():
		return false
	}
}
