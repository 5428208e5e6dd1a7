package driver

import (
	"fmt"
	"sync"
	"time"
)

// DefaultInboxSize is the queue depth used by the concrete drivers.
const DefaultInboxSize = 256

// Inbox is the bounded receive queue shared by the drivers. A driver's
// receive goroutine pushes packets and Recv pops them in arrival order.
// Packets pushed while the queue is full are dropped; the session layer
// retransmits.
type Inbox struct {
	ch   chan []byte
	done chan struct{}

	closeOnce sync.Once
	cause     error
}

// NewInbox creates an Inbox holding at most size packets.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Push enqueues p without blocking. It reports false when p was dropped
// because the inbox is full or closed.
func (in *Inbox) Push(p []byte) bool {
	select {
	case <-in.done:
		return false
	default:
	}

	select {
	case in.ch <- p:
		return true
	default:
		return false
	}
}

// Pop dequeues one packet using the Driver.Recv timeout convention. Packets
// queued before Close are still delivered; after that Pop returns ErrClosed.
func (in *Inbox) Pop(timeout time.Duration) ([]byte, error) {
	select {
	case p := <-in.ch:
		return p, nil
	default:
	}

	select {
	case <-in.done:
		return nil, in.err()
	default:
	}

	if timeout == 0 {
		return nil, nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case p := <-in.ch:
		return p, nil
	case <-in.done:
		select {
		case p := <-in.ch:
			return p, nil
		default:
		}
		return nil, in.err()
	case <-expired:
		return nil, nil
	}
}

// Len returns the number of queued packets.
func (in *Inbox) Len() int { return len(in.ch) }

// Close marks the inbox closed. Safe to call multiple times.
func (in *Inbox) Close() { in.CloseWithError(nil) }

// CloseWithError closes the inbox and records why the link went away. Only
// the first call has any effect.
func (in *Inbox) CloseWithError(cause error) {
	in.closeOnce.Do(func() {
		in.cause = cause
		close(in.done)
	})
}

// Done is closed once the inbox is closed.
func (in *Inbox) Done() <-chan struct{} { return in.done }

func (in *Inbox) err() error {
	if in.cause != nil {
		return fmt.Errorf("%w: %v", ErrClosed, in.cause)
	}
	return ErrClosed
}
