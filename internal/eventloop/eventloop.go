// Package eventloop multiplexes one readable stream and one periodic timer
// into a single sequence of events, dispatched one at a time on the goroutine
// that calls Run.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/1ureka/tuncat/internal/util"
)

var (
	ErrClosed           = errors.New("eventloop: group closed")
	ErrStreamRegistered = errors.New("eventloop: stream already registered")
)

// ReadChunkSize is the largest LocalData payload the stream reader emits.
const ReadChunkSize = 4096

// Kind is the closed set of events a Group dispatches.
type Kind uint8

const (
	LocalData   Kind = iota + 1 // bytes read from the stream
	LocalClosed                 // the stream reached EOF or failed
	TimerTick                   // the timer interval elapsed
)

func (k Kind) String() string {
	switch k {
	case LocalData:
		return "LocalData"
	case LocalClosed:
		return "LocalClosed"
	case TimerTick:
		return "TimerTick"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Event is one dispatched occurrence. Data is set for LocalData only and is
// owned by the handler.
type Event struct {
	Kind Kind
	Data []byte
}

// Handler receives every event of a Group.
type Handler interface {
	Dispatch(Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event) error

func (f HandlerFunc) Dispatch(ev Event) error { return f(ev) }

// Group owns the stream reader and the timer schedule.
type Group struct {
	h      Handler
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	streamSet bool
	interval  time.Duration
	next      time.Time

	closeOnce sync.Once
}

// NewGroup creates a Group that dispatches to h.
func NewGroup(h Handler) *Group {
	return &Group{
		h:      h,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

// AddStream registers the group's single readable source and starts reading
// it. A reader blocked in Read is abandoned on Close; its results are
// discarded.
func (g *Group) AddStream(r io.Reader) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed() {
		return ErrClosed
	}
	if g.streamSet {
		return ErrStreamRegistered
	}
	g.streamSet = true
	go g.readLoop(r)
	return nil
}

// SetTimer schedules a TimerTick every interval, the first one interval from
// now. A non-positive interval disables the timer.
func (g *Group) SetTimer(interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interval = interval
	g.next = time.Now().Add(interval)
}

// RunOnce waits up to pollTimeout for a stream event or the timer deadline
// and dispatches what became ready: the stream event first, then a due tick.
// A non-positive pollTimeout waits for whichever comes first without bound.
func (g *Group) RunOnce(ctx context.Context, pollTimeout time.Duration) error {
	if g.closed() {
		return ErrClosed
	}

	var wakeup <-chan time.Time
	if wait, ok := g.wait(pollTimeout); ok {
		t := time.NewTimer(wait)
		defer t.Stop()
		wakeup = t.C
	}

	select {
	case ev := <-g.events:
		if err := g.dispatch(ev); err != nil {
			return err
		}
	case <-wakeup:
	case <-g.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if g.tickDue() {
		return g.dispatch(Event{Kind: TimerTick})
	}
	return nil
}

// Run dispatches events until the group is closed, the handler fails or ctx
// ends. Closing the group, from a handler or elsewhere, is a clean exit.
func (g *Group) Run(ctx context.Context, pollTimeout time.Duration) error {
	for {
		err := g.RunOnce(ctx, pollTimeout)
		switch {
		case errors.Is(err, ErrClosed):
			return nil
		case err != nil:
			return err
		}
	}
}

// Close stops dispatching. Safe to call multiple times.
func (g *Group) Close() error {
	g.closeOnce.Do(func() { close(g.done) })
	return nil
}

func (g *Group) closed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

func (g *Group) dispatch(ev Event) error {
	if g.closed() {
		return nil
	}
	return g.h.Dispatch(ev)
}

// wait returns how long RunOnce may block, or false for no bound.
func (g *Group) wait(pollTimeout time.Duration) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.interval <= 0 {
		return pollTimeout, pollTimeout > 0
	}
	until := max(time.Until(g.next), 0)
	if pollTimeout > 0 && pollTimeout < until {
		return pollTimeout, true
	}
	return until, true
}

// tickDue reports whether the timer deadline passed and advances it. Missed
// intervals are skipped rather than replayed.
func (g *Group) tickDue() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.interval <= 0 {
		return false
	}
	now := time.Now()
	if now.Before(g.next) {
		return false
	}
	g.next = g.next.Add(g.interval)
	if !g.next.After(now) {
		g.next = now.Add(g.interval)
	}
	return true
}

func (g *Group) readLoop(r io.Reader) {
	buf := make([]byte, ReadChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !g.emit(Event{Kind: LocalData, Data: chunk}) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				util.LogDebug("eventloop: stream read failed: %v", err)
			}
			g.emit(Event{Kind: LocalClosed})
			return
		}
	}
}

func (g *Group) emit(ev Event) bool {
	select {
	case g.events <- ev:
		return true
	case <-g.done:
		return false
	}
}
