// Package tcp carries packets over a TCP stream as length-prefixed frames
// (u16 big-endian length, then the packet).
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/1ureka/tuncat/internal/driver"
	"github.com/1ureka/tuncat/internal/util"
)

// DefaultMaxPacketSize is used when the endpoint leaves it unset.
const DefaultMaxPacketSize = 4096

// Driver is a framed TCP connection.
type Driver struct {
	c       net.Conn
	inbox   *driver.Inbox
	maxSize int

	mu sync.Mutex // serializes frame writes

	closeOnce sync.Once
	closeErr  error
}

var _ driver.Driver = (*Driver)(nil)

// Dial connects to ep.Addr and starts the receive loop.
func Dial(ctx context.Context, ep driver.Endpoint) (*Driver, error) {
	maxSize := ep.PacketSize(DefaultMaxPacketSize)
	if maxSize > math.MaxUint16 {
		return nil, fmt.Errorf("tcp: max packet size %d exceeds frame limit %d", maxSize, math.MaxUint16)
	}

	d := &net.Dialer{Timeout: ep.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", ep.Addr, err)
	}
	return New(c, maxSize), nil
}

// New wraps an established connection. The driver owns c from now on.
func New(c net.Conn, maxPacketSize int) *Driver {
	if maxPacketSize <= 0 {
		maxPacketSize = DefaultMaxPacketSize
	}
	drv := &Driver{
		c:       c,
		inbox:   driver.NewInbox(driver.DefaultInboxSize),
		maxSize: maxPacketSize,
	}
	go drv.recvLoop()
	return drv
}

func (d *Driver) Send(p []byte) error {
	if len(p) > d.maxSize {
		return fmt.Errorf("%w: %d > %d", driver.ErrPacketTooLarge, len(p), d.maxSize)
	}

	frame := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(frame, uint16(len(p)))
	copy(frame[2:], p)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.c.Write(frame); err != nil {
		select {
		case <-d.inbox.Done():
			return driver.ErrClosed
		default:
		}
		return fmt.Errorf("tcp: write: %w", err)
	}
	return nil
}

func (d *Driver) Recv(timeout time.Duration) ([]byte, error) {
	return d.inbox.Pop(timeout)
}

func (d *Driver) MaxPacketSize() int { return d.maxSize }

func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.inbox.Close()
		d.closeErr = d.c.Close()
	})
	return d.closeErr
}

// recvLoop reads frames until the connection fails, then closes the inbox.
func (d *Driver) recvLoop() {
	br := bufio.NewReader(d.c)
	var lenbuf [2]byte
	for {
		if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
			d.stop(err)
			return
		}
		n := int(binary.BigEndian.Uint16(lenbuf[:]))
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			d.stop(err)
			return
		}
		if !d.inbox.Push(buf) {
			util.LogDebug("tcp: inbox full, dropped %d-byte packet", n)
		}
	}
}

func (d *Driver) stop(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		d.inbox.Close()
		return
	}
	d.inbox.CloseWithError(err)
}
