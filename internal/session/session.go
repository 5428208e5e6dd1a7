// Package session is the client side of a tunnel session: it opens the
// session with a SYN handshake, relays local input to the far end as DATA
// packets on each timer tick, delivers the far end's DATA to the local output
// and closes with a FIN.
//
// A Session is driven from a single goroutine (the event loop dispatching to
// it) and is not safe for concurrent use.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/1ureka/tuncat/internal/buffer"
	"github.com/1ureka/tuncat/internal/driver"
	"github.com/1ureka/tuncat/internal/eventloop"
	"github.com/1ureka/tuncat/internal/protocol"
	"github.com/1ureka/tuncat/internal/util"
)

var (
	ErrHandshakeFailed = errors.New("session: handshake failed")
	ErrRemoteClosed    = errors.New("session: closed by far end")
	ErrLinkLost        = errors.New("session: transport link lost")
	ErrOutput          = errors.New("session: local output failed")
	ErrPacketTooSmall  = errors.New("session: driver packet size too small")
)

// MinPacketSize is the smallest driver packet size a session can run over:
// a SYN, or a DATA header plus one payload byte.
const MinPacketSize = max(protocol.SynSize, protocol.DataHeaderSize+1)

// State is the session lifecycle state.
type State uint8

const (
	StateNew State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Option configures a Session.
type Option func(*Session)

// WithRand sets the source of the session id and initial sequence number.
func WithRand(r *rand.Rand) Option {
	return func(s *Session) { s.rng = r }
}

// WithClock replaces time.Now for handshake backoff scheduling.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithMultiplexer hands the session the event loop registration it releases
// on shutdown.
func WithMultiplexer(c io.Closer) Option {
	return func(s *Session) { s.mux = c }
}

// Session is one tunnel session. It owns both buffers and the driver.
type Session struct {
	id       uint16
	state    State
	mySeq    Seq
	theirSeq Seq

	outbound *buffer.Buffer
	inbound  *buffer.Buffer
	pending  []byte // drained chunk whose send failed

	drv driver.Driver
	out io.Writer
	mux io.Closer
	cfg Config

	rng *rand.Rand
	now func() time.Time

	attempts    int
	nextAttempt time.Time
}

// New creates a session in state NEW with a random id and initial sequence
// number. Far-end payload is written to out.
func New(drv driver.Driver, out io.Writer, cfg Config, opts ...Option) (*Session, error) {
	if n := drv.MaxPacketSize(); n < MinPacketSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrPacketTooSmall, n, MinPacketSize)
	}

	s := &Session{
		state:    StateNew,
		outbound: buffer.New(binary.BigEndian),
		inbound:  buffer.New(binary.BigEndian),
		drv:      drv,
		out:      out,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	s.id = uint16(s.rng.UintN(1 << 16))
	s.mySeq = Seq(s.rng.UintN(1 << 16))

	util.LogDebug("session %04x created (initial seq %s, max payload %d)", s.id, s.mySeq, s.maxPayload())
	return s, nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Dispatch routes one event loop event to its handler.
func (s *Session) Dispatch(ev eventloop.Event) error {
	switch ev.Kind {
	case eventloop.LocalData:
		s.HandleLocalInput(ev.Data)
		return nil
	case eventloop.LocalClosed:
		return s.HandleLocalClosed()
	case eventloop.TimerTick:
		return s.OnTimerTick()
	default:
		panic(fmt.Sprintf("session %04x: unknown event %v", s.id, ev.Kind))
	}
}

// HandleLocalInput queues p for the far end. Input after close is dropped.
func (s *Session) HandleLocalInput(p []byte) {
	if s.state == StateClosed {
		util.LogDebug("session %04x: dropping %d bytes of input after close", s.id, len(p))
		return
	}
	s.outbound.Append(p)
	util.Stats.AddQueued(len(p))
	util.LogInfo("received %d bytes from local input, %d bytes queued to send", len(p), s.outbound.Remaining())
}

// HandleLocalClosed sends a best-effort FIN and releases the session. Calling
// it again does nothing.
func (s *Session) HandleLocalClosed() error {
	if s.state == StateClosed {
		return nil
	}
	util.LogInfo("session %04x: local input closed", s.id)
	s.shutdown(true)
	return nil
}

// OnTimerTick advances the session by one step: a handshake attempt while
// NEW, a data exchange while ESTABLISHED. The returned error means the
// session has failed and is closed.
func (s *Session) OnTimerTick() error {
	switch s.state {
	case StateNew:
		return s.tickNew()
	case StateEstablished:
		return s.tickEstablished()
	case StateClosed:
		return nil
	default:
		panic(fmt.Sprintf("session %04x: invalid state %v", s.id, s.state))
	}
}

func (s *Session) tickNew() error {
	if limit := s.cfg.MaxHandshakeAttempts; limit > 0 && s.attempts >= limit {
		// One last look for a late reply to the final SYN.
		if err := s.poll(); err != nil || s.state != StateNew {
			return err
		}
		util.LogError("session %04x: no handshake reply after %d attempts", s.id, s.attempts)
		s.shutdown(true)
		return fmt.Errorf("%w: no reply after %d attempts", ErrHandshakeFailed, s.attempts)
	}

	now := s.now()
	if !now.Before(s.nextAttempt) {
		s.attempts++
		util.Stats.AddHandshake()
		util.LogDebug("session %04x: sending SYN (attempt %d)", s.id, s.attempts)
		s.send(protocol.NewSyn(s.id, uint16(s.mySeq), s.cfg.SynOptions))
		s.nextAttempt = now.Add(s.cfg.Backoff.Delay(s.attempts, s.rng))
	}

	return s.poll()
}

func (s *Session) tickEstablished() error {
	chunk := s.pending
	if chunk == nil {
		chunk = s.outbound.DrainUpTo(s.maxPayload())
	}
	if len(chunk) > 0 {
		if s.send(protocol.NewData(s.id, uint16(s.mySeq), uint16(s.theirSeq), chunk)) {
			s.mySeq = s.mySeq.Add(len(chunk))
			s.pending = nil
		} else {
			s.pending = chunk
		}
	}

	return s.poll()
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// send encodes and transmits pkt, reporting whether the driver accepted it.
// Failures are transient: the caller retries on a later tick.
func (s *Session) send(pkt *protocol.Packet) bool {
	raw := protocol.Encode(pkt)
	if err := s.drv.Send(raw); err != nil {
		util.Stats.AddSendFailure()
		util.LogWarning("session %04x: send %s failed: %v", s.id, protocol.TypeName(pkt.Type), err)
		return false
	}
	util.Stats.AddSent(len(raw))
	return true
}

// poll receives at most one packet and applies it.
func (s *Session) poll() error {
	raw, err := s.drv.Recv(s.cfg.RecvTimeout)
	if err != nil {
		if errors.Is(err, driver.ErrClosed) {
			util.LogError("session %04x: transport closed: %v", s.id, err)
			s.shutdown(false)
			return fmt.Errorf("%w: %v", ErrLinkLost, err)
		}
		util.LogWarning("session %04x: receive failed: %v", s.id, err)
		return nil
	}
	if raw == nil {
		return nil
	}
	util.Stats.AddRecv(len(raw))

	pkt, err := protocol.Decode(raw)
	if err != nil {
		util.LogWarning("session %04x: dropping malformed packet: %v", s.id, err)
		return nil
	}
	if pkt.SessionID != s.id {
		util.LogDebug("session %04x: dropping %s for session %04x", s.id, protocol.TypeName(pkt.Type), pkt.SessionID)
		return nil
	}
	return s.handlePacket(pkt)
}

func (s *Session) handlePacket(pkt *protocol.Packet) error {
	switch {
	case s.state == StateNew && pkt.Type == protocol.TypeSyn:
		s.theirSeq = Seq(pkt.Seq)
		s.state = StateEstablished
		util.LogSuccess("session %04x established after %d attempt(s)", s.id, s.attempts)
		return nil

	case s.state == StateNew && pkt.Type == protocol.TypeFin:
		util.LogError("session %04x: far end refused the session", s.id)
		s.shutdown(false)
		return fmt.Errorf("%w: FIN during handshake", ErrRemoteClosed)

	case s.state == StateEstablished && pkt.Type == protocol.TypeData:
		s.inbound.Append(pkt.Payload)
		s.theirSeq = Seq(pkt.Seq).Add(len(pkt.Payload))
		util.LogDebug("received %d bytes from far end (their seq %s)", len(pkt.Payload), s.theirSeq)
		return s.flushInbound()

	case s.state == StateEstablished && pkt.Type == protocol.TypeFin:
		util.LogInfo("session %04x closed by far end", s.id)
		s.shutdown(false)
		return nil

	default:
		util.LogDebug("session %04x: ignoring %s in state %v", s.id, protocol.TypeName(pkt.Type), s.state)
		return nil
	}
}

// flushInbound writes everything received so far to the local output.
func (s *Session) flushInbound() error {
	data := s.inbound.DrainUpTo(s.inbound.Remaining())
	if len(data) == 0 {
		return nil
	}
	if _, err := s.out.Write(data); err != nil {
		util.LogError("session %04x: write to local output: %v", s.id, err)
		s.shutdown(true)
		return fmt.Errorf("%w: %v", ErrOutput, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// shutdown releases the outbound buffer, the inbound buffer, the multiplexer
// and the driver, in that order, and moves to CLOSED. The FIN is best effort.
func (s *Session) shutdown(sendFin bool) {
	if s.state == StateClosed {
		return
	}
	if sendFin {
		s.send(protocol.NewFin(s.id, uint16(s.mySeq)))
	}

	if n := s.outbound.Remaining() + len(s.pending); n > 0 {
		util.LogWarning("session %04x: discarding %d unsent bytes", s.id, n)
	}
	s.pending = nil
	s.outbound.Release()
	s.inbound.Release()
	if s.mux != nil {
		if err := s.mux.Close(); err != nil {
			util.LogWarning("session %04x: release event loop: %v", s.id, err)
		}
	}
	if err := s.drv.Close(); err != nil {
		util.LogDebug("session %04x: close driver: %v", s.id, err)
	}

	s.state = StateClosed
	util.LogDebug("session %04x closed", s.id)
}

func (s *Session) maxPayload() int {
	return s.drv.MaxPacketSize() - protocol.DataHeaderSize
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (s *Session) ID() uint16             { return s.id }
func (s *Session) State() State           { return s.state }
func (s *Session) MySeq() Seq             { return s.mySeq }
func (s *Session) TheirSeq() Seq          { return s.theirSeq }
func (s *Session) Closed() bool           { return s.state == StateClosed }
func (s *Session) HandshakeAttempts() int { return s.attempts }

// Queued returns the number of local input bytes not yet sent, including a
// chunk awaiting resend. It is zero once the session is closed.
func (s *Session) Queued() int {
	if s.state == StateClosed {
		return 0
	}
	return s.outbound.Remaining() + len(s.pending)
}
