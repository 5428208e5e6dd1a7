// Package quic carries packets as QUIC unreliable datagrams. Loss is left to
// the session layer, the same as the other drivers.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/1ureka/tuncat/internal/driver"
	"github.com/1ureka/tuncat/internal/util"
)

// DefaultMaxPacketSize keeps datagrams below the minimum QUIC path MTU.
const DefaultMaxPacketSize = 1100

// ALPN is the application protocol negotiated during the TLS handshake.
const ALPN = "tuncat"

// Driver is a QUIC connection used only for datagrams.
type Driver struct {
	conn    quicgo.Connection
	inbox   *driver.Inbox
	maxSize int

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

var _ driver.Driver = (*Driver)(nil)

// Dial performs the QUIC handshake with ep.Addr. The server certificate is
// not verified.
func Dial(ctx context.Context, ep driver.Endpoint) (*Driver, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
	conf := &quicgo.Config{
		EnableDatagrams:      true,
		HandshakeIdleTimeout: ep.DialTimeout,
		KeepAlivePeriod:      10 * time.Second,
	}

	dialCtx := ctx
	if ep.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, ep.DialTimeout)
		defer cancel()
	}

	conn, err := quicgo.DialAddr(dialCtx, ep.Addr, tlsConf, conf)
	if err != nil {
		return nil, fmt.Errorf("quic: dial %s: %w", ep.Addr, err)
	}
	if !conn.ConnectionState().SupportsDatagrams {
		_ = conn.CloseWithError(0, "datagrams required")
		return nil, fmt.Errorf("quic: peer %s does not support datagrams", ep.Addr)
	}
	return New(conn, ep.PacketSize(DefaultMaxPacketSize)), nil
}

// New wraps an established connection that has datagrams enabled.
func New(conn quicgo.Connection, maxPacketSize int) *Driver {
	if maxPacketSize <= 0 {
		maxPacketSize = DefaultMaxPacketSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		conn:    conn,
		inbox:   driver.NewInbox(driver.DefaultInboxSize),
		maxSize: maxPacketSize,
		ctx:     ctx,
		cancel:  cancel,
	}
	go d.recvLoop()
	return d
}

func (d *Driver) Send(p []byte) error {
	if len(p) > d.maxSize {
		return fmt.Errorf("%w: %d > %d", driver.ErrPacketTooLarge, len(p), d.maxSize)
	}
	select {
	case <-d.inbox.Done():
		return driver.ErrClosed
	default:
	}

	// SendDatagram may keep the slice until it is written out.
	cp := make([]byte, len(p))
	copy(cp, p)
	if err := d.conn.SendDatagram(cp); err != nil {
		return fmt.Errorf("quic: send datagram: %w", err)
	}
	return nil
}

func (d *Driver) Recv(timeout time.Duration) ([]byte, error) {
	return d.inbox.Pop(timeout)
}

func (d *Driver) MaxPacketSize() int { return d.maxSize }

func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.inbox.Close()
		d.closeErr = d.conn.CloseWithError(0, "closed")
	})
	return d.closeErr
}

func (d *Driver) recvLoop() {
	for {
		data, err := d.conn.ReceiveDatagram(d.ctx)
		if err != nil {
			var appErr *quicgo.ApplicationError
			if errors.Is(err, context.Canceled) || (errors.As(err, &appErr) && appErr.ErrorCode == 0) {
				d.inbox.Close()
			} else {
				d.inbox.CloseWithError(err)
			}
			return
		}
		if !d.inbox.Push(data) {
			util.LogDebug("quic: inbox full, dropped %d-byte datagram", len(data))
		}
	}
}
