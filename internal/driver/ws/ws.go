// Package ws carries packets as binary WebSocket messages, one packet per
// message.
package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/tuncat/internal/driver"
	"github.com/1ureka/tuncat/internal/util"
)

// DefaultMaxPacketSize is used when the endpoint leaves it unset.
const DefaultMaxPacketSize = 16 * 1024

const closeGracePeriod = time.Second

// Driver is a WebSocket connection carrying one packet per binary message.
type Driver struct {
	conn    *websocket.Conn
	inbox   *driver.Inbox
	maxSize int

	mu sync.Mutex // gorilla allows one concurrent writer

	closeOnce sync.Once
	closeErr  error
}

var _ driver.Driver = (*Driver)(nil)

// Dial opens a WebSocket to ep.Addr. A bare host:port is dialed as ws://host:port/.
func Dial(ctx context.Context, ep driver.Endpoint) (*Driver, error) {
	dialer := *websocket.DefaultDialer
	if ep.DialTimeout > 0 {
		dialer.HandshakeTimeout = ep.DialTimeout
	}

	url := NormalizeURL(ep.Addr)
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return New(conn, ep.PacketSize(DefaultMaxPacketSize)), nil
}

// New wraps an established connection. The driver owns conn from now on.
func New(conn *websocket.Conn, maxPacketSize int) *Driver {
	if maxPacketSize <= 0 {
		maxPacketSize = DefaultMaxPacketSize
	}
	conn.SetReadLimit(int64(maxPacketSize))

	d := &Driver{
		conn:    conn,
		inbox:   driver.NewInbox(driver.DefaultInboxSize),
		maxSize: maxPacketSize,
	}
	go d.recvLoop()
	return d
}

// NormalizeURL adds the ws:// scheme when addr has none.
func NormalizeURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + "/"
}

func (d *Driver) Send(p []byte) error {
	if len(p) > d.maxSize {
		return fmt.Errorf("%w: %d > %d", driver.ErrPacketTooLarge, len(p), d.maxSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.inbox.Done():
		return driver.ErrClosed
	default:
	}
	if err := d.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

func (d *Driver) Recv(timeout time.Duration) ([]byte, error) {
	return d.inbox.Pop(timeout)
}

func (d *Driver) MaxPacketSize() int { return d.maxSize }

// Close sends a close frame (best effort) and closes the connection.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.inbox.Close()
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		d.mu.Unlock()
		d.closeErr = d.conn.Close()
	})
	return d.closeErr
}

func (d *Driver) recvLoop() {
	for {
		typ, data, err := d.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, websocket.ErrCloseSent) {
				d.inbox.Close()
			} else {
				d.inbox.CloseWithError(err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			util.LogDebug("ws: ignoring non-binary message (%d bytes)", len(data))
			continue
		}
		if !d.inbox.Push(data) {
			util.LogDebug("ws: inbox full, dropped %d-byte packet", len(data))
		}
	}
}
