// Package mem provides an in-process Driver pair. Packets sent on one end are
// delivered to the other end's inbox. It backs local loopback runs and tests.
package mem

import (
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/tuncat/internal/driver"
)

// DefaultMaxPacketSize is used when Pair is given a non-positive size.
const DefaultMaxPacketSize = 4096

// Driver is one end of an in-process link.
type Driver struct {
	inbox   *driver.Inbox
	peer    *Driver
	maxSize int

	closeOnce sync.Once
}

var _ driver.Driver = (*Driver)(nil)

// Pair returns two linked ends. Closing either end closes the link for both.
func Pair(maxPacketSize int) (*Driver, *Driver) {
	if maxPacketSize <= 0 {
		maxPacketSize = DefaultMaxPacketSize
	}
	a := &Driver{inbox: driver.NewInbox(driver.DefaultInboxSize), maxSize: maxPacketSize}
	b := &Driver{inbox: driver.NewInbox(driver.DefaultInboxSize), maxSize: maxPacketSize}
	a.peer, b.peer = b, a
	return a, b
}

// Send copies p into the peer's inbox. A full peer inbox drops the packet.
func (d *Driver) Send(p []byte) error {
	select {
	case <-d.inbox.Done():
		return driver.ErrClosed
	default:
	}
	if len(p) > d.maxSize {
		return fmt.Errorf("%w: %d > %d", driver.ErrPacketTooLarge, len(p), d.maxSize)
	}

	cp := make([]byte, len(p))
	copy(cp, p)
	d.peer.inbox.Push(cp)
	return nil
}

func (d *Driver) Recv(timeout time.Duration) ([]byte, error) {
	return d.inbox.Pop(timeout)
}

func (d *Driver) MaxPacketSize() int { return d.maxSize }

// Reflect sends every packet received on d straight back until the link
// closes. A session on the other end sees its own SYN as the handshake reply
// and its own data echoed.
func Reflect(d *Driver) {
	for {
		p, err := d.Recv(-1)
		if err != nil {
			return
		}
		if err := d.Send(p); err != nil {
			return
		}
	}
}

// Close shuts both ends. Packets already delivered to the peer remain
// readable there.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.inbox.Close()
		d.peer.inbox.CloseWithError(fmt.Errorf("mem: peer closed"))
	})
	return nil
}
