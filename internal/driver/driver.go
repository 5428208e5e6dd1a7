// Package driver defines the packet transport contract the session runs over.
//
// A Driver moves whole packets between this process and the far end. It makes
// no protocol decisions: framing, sequencing and retransmission belong to the
// session. Concrete drivers live in the sub-packages and are selected by
// drivers.Open from an Endpoint.
package driver

import (
	"errors"
	"time"
)

var (
	ErrClosed         = errors.New("driver: closed")
	ErrUnknownKind    = errors.New("driver: unknown endpoint kind")
	ErrPacketTooLarge = errors.New("driver: packet exceeds max packet size")
)

// Endpoint kinds understood by drivers.Open.
const (
	KindTCP  = "tcp"
	KindWS   = "ws"
	KindRTC  = "rtc"
	KindQUIC = "quic"
	KindMem  = "mem"
)

// Driver is a bidirectional packet link.
type Driver interface {
	// Send transmits one packet. It must not retain p after returning.
	Send(p []byte) error

	// Recv returns the next received packet. A nil packet with a nil error
	// means nothing arrived within timeout. A zero timeout polls without
	// waiting and a negative timeout blocks until a packet or close.
	Recv(timeout time.Duration) ([]byte, error)

	// MaxPacketSize is the largest packet Send accepts.
	MaxPacketSize() int

	Close() error
}

// Endpoint describes where and how to open a Driver.
type Endpoint struct {
	Kind          string
	Addr          string
	MaxPacketSize int           // 0 selects the driver's default
	DialTimeout   time.Duration // 0 means no timeout beyond the caller's context
	ICEServers    []string      // rtc only
}

// PacketSize returns e.MaxPacketSize, or def when it is unset.
func (e Endpoint) PacketSize(def int) int {
	if e.MaxPacketSize > 0 {
		return e.MaxPacketSize
	}
	return def
}
