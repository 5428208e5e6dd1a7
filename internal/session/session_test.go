package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/tuncat/internal/driver"
	"github.com/1ureka/tuncat/internal/driver/mem"
	"github.com/1ureka/tuncat/internal/eventloop"
	"github.com/1ureka/tuncat/internal/protocol"
	"github.com/1ureka/tuncat/internal/util"
)

// fakeDriver records sent packets and serves queued ones.
type fakeDriver struct {
	maxSize int
	sent    [][]byte
	queue   [][]byte
	sendErr error
	recvErr error
	closed  int
	onClose func()
}

func newFakeDriver(maxPayload int) *fakeDriver {
	return &fakeDriver{maxSize: maxPayload + protocol.DataHeaderSize}
}

func (d *fakeDriver) Send(p []byte) error {
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, append([]byte(nil), p...))
	return nil
}

func (d *fakeDriver) Recv(time.Duration) ([]byte, error) {
	if d.recvErr != nil {
		return nil, d.recvErr
	}
	if len(d.queue) == 0 {
		return nil, nil
	}
	p := d.queue[0]
	d.queue = d.queue[1:]
	return p, nil
}

func (d *fakeDriver) MaxPacketSize() int { return d.maxSize }

func (d *fakeDriver) Close() error {
	d.closed++
	if d.onClose != nil {
		d.onClose()
	}
	return nil
}

func (d *fakeDriver) push(pkt *protocol.Packet) { d.queue = append(d.queue, protocol.Encode(pkt)) }

// packets decodes everything sent so far and forgets it.
func (d *fakeDriver) packets(t *testing.T) []*protocol.Packet {
	t.Helper()
	var out []*protocol.Packet
	for _, raw := range d.sent {
		pkt, err := protocol.Decode(raw)
		require.NoError(t, err)
		out = append(out, pkt)
	}
	d.sent = nil
	return out
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func seededRand() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

func newTestSession(t *testing.T, drv driver.Driver, out io.Writer, cfg Config, opts ...Option) *Session {
	t.Helper()
	s, err := New(drv, out, cfg, append([]Option{WithRand(seededRand())}, opts...)...)
	require.NoError(t, err)
	return s
}

// establish completes the handshake with the far end's initial seq theirs.
func establish(t *testing.T, s *Session, drv *fakeDriver, theirs uint16) {
	t.Helper()
	drv.push(protocol.NewSyn(s.ID(), theirs, 0))
	require.NoError(t, s.OnTimerTick())
	require.Equal(t, StateEstablished, s.State())
	drv.sent = nil
}

func TestNewRejectsTinyPackets(t *testing.T) {
	_, err := New(&fakeDriver{maxSize: MinPacketSize - 1}, io.Discard, DefaultConfig())
	assert.ErrorIs(t, err, ErrPacketTooSmall)

	s, err := New(&fakeDriver{maxSize: MinPacketSize}, io.Discard, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, StateNew, s.State())
	assert.Equal(t, Seq(0), s.TheirSeq())
}

func TestLocalInputGrowsOutbound(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())

	total := 0
	for _, n := range []int{1, 7, 4096, 13} {
		s.HandleLocalInput(bytes.Repeat([]byte{'x'}, n))
		total += n
		assert.Equal(t, total, s.Queued())
	}

	establish(t, s, drv, 0)
	s.HandleLocalInput([]byte("more"))
	assert.Equal(t, total+4, s.Queued())
}

func TestLocalInputIsLoggedAtDefaultLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	logFile, err := util.ConfigureLogging(util.LogOptions{File: path})
	require.NoError(t, err)
	t.Cleanup(func() { util.ConfigureLogging(util.LogOptions{}) })

	s := newTestSession(t, newFakeDriver(100), io.Discard, DefaultConfig())
	s.HandleLocalInput([]byte("hello"))
	s.HandleLocalInput([]byte("!"))
	require.NoError(t, logFile.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "received 5 bytes from local input, 5 bytes queued to send")
	assert.Contains(t, string(data), "received 1 bytes from local input, 6 bytes queued to send")
}

func TestNewTickSendsOneSynAndNoData(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())
	s.HandleLocalInput([]byte("waiting for the handshake"))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.OnTimerTick())
	}

	pkts := drv.packets(t)
	require.Len(t, pkts, 3)
	for _, pkt := range pkts {
		assert.Equal(t, protocol.TypeSyn, pkt.Type)
		assert.Equal(t, s.ID(), pkt.SessionID)
		assert.Equal(t, uint16(s.MySeq()), pkt.Seq)
		assert.Empty(t, pkt.Payload)
	}
	assert.Equal(t, StateNew, s.State())
	assert.Equal(t, 3, s.HandshakeAttempts())
	assert.Equal(t, 25, s.Queued())
}

func TestSynCarriesConfiguredOptions(t *testing.T) {
	drv := newFakeDriver(100)
	cfg := DefaultConfig()
	cfg.SynOptions = protocol.OptionName
	s := newTestSession(t, drv, io.Discard, cfg)

	require.NoError(t, s.OnTimerTick())
	assert.Equal(t, protocol.OptionName, drv.packets(t)[0].Options)
}

func TestHandshakeEstablishes(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())

	require.NoError(t, s.OnTimerTick())
	assert.Equal(t, StateNew, s.State())

	drv.push(protocol.NewSyn(s.ID(), 0xbeef, 0))
	require.NoError(t, s.OnTimerTick())
	assert.Equal(t, StateEstablished, s.State())
	assert.Equal(t, Seq(0xbeef), s.TheirSeq())
}

func TestHandshakeIgnoresOtherSessions(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())

	drv.push(protocol.NewSyn(s.ID()+1, 0x1111, 0))
	drv.push(protocol.NewData(s.ID(), 1, 2, []byte("early")))
	require.NoError(t, s.OnTimerTick())
	require.NoError(t, s.OnTimerTick())
	assert.Equal(t, StateNew, s.State())
}

func TestHandshakeFailsAfterMaxAttempts(t *testing.T) {
	drv := newFakeDriver(100)
	cfg := DefaultConfig()
	cfg.MaxHandshakeAttempts = 3
	s := newTestSession(t, drv, io.Discard, cfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.OnTimerTick())
	}
	err := s.OnTimerTick()
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.True(t, s.Closed())
	assert.Equal(t, 1, drv.closed)

	pkts := drv.packets(t)
	require.Len(t, pkts, 4)
	assert.Equal(t, protocol.TypeFin, pkts[3].Type)

	assert.NoError(t, s.OnTimerTick())
	assert.Empty(t, drv.sent)
}

func TestLateReplyToLastSynIsAccepted(t *testing.T) {
	drv := newFakeDriver(100)
	cfg := DefaultConfig()
	cfg.MaxHandshakeAttempts = 2
	s := newTestSession(t, drv, io.Discard, cfg)

	require.NoError(t, s.OnTimerTick())
	require.NoError(t, s.OnTimerTick())
	drv.push(protocol.NewSyn(s.ID(), 7, 0))
	require.NoError(t, s.OnTimerTick())
	assert.Equal(t, StateEstablished, s.State())
}

func TestUnlimitedAttempts(t *testing.T) {
	drv := newFakeDriver(100)
	cfg := DefaultConfig()
	cfg.MaxHandshakeAttempts = 0
	s := newTestSession(t, drv, io.Discard, cfg)

	for i := 0; i < 50; i++ {
		require.NoError(t, s.OnTimerTick())
	}
	assert.Len(t, drv.sent, 50)
}

func TestBackoffSpacesAttempts(t *testing.T) {
	drv := newFakeDriver(100)
	cfg := DefaultConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}

	t0 := time.Unix(1700000000, 0)
	now := t0
	s := newTestSession(t, drv, io.Discard, cfg, WithClock(func() time.Time { return now }))

	sentAt := func(offset time.Duration) int {
		now = t0.Add(offset)
		require.NoError(t, s.OnTimerTick())
		return len(drv.packets(t))
	}

	assert.Equal(t, 1, sentAt(0))
	assert.Equal(t, 0, sentAt(500*time.Millisecond))
	assert.Equal(t, 1, sentAt(time.Second))
	assert.Equal(t, 0, sentAt(2*time.Second))
	assert.Equal(t, 1, sentAt(3*time.Second))
	assert.Equal(t, 3, s.HandshakeAttempts())
}

func TestFinDuringHandshake(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())

	drv.push(protocol.NewFin(s.ID(), 0))
	err := s.OnTimerTick()
	assert.ErrorIs(t, err, ErrRemoteClosed)
	assert.True(t, s.Closed())
	assert.Equal(t, 1, drv.closed)
}

func TestEstablishedSendsHello(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())
	establish(t, s, drv, 0x4000)
	seq := s.MySeq()

	s.HandleLocalInput([]byte("hello"))
	require.NoError(t, s.OnTimerTick())

	pkts := drv.packets(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.TypeData, pkts[0].Type)
	assert.Equal(t, []byte("hello"), pkts[0].Payload)
	assert.Equal(t, uint16(seq), pkts[0].Seq)
	assert.Equal(t, uint16(0x4000), pkts[0].Ack)
	assert.Zero(t, s.Queued())
	assert.Equal(t, seq.Add(5), s.MySeq())
}

func TestEstablishedIdleTickSendsNothing(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())
	establish(t, s, drv, 0)

	require.NoError(t, s.OnTimerTick())
	assert.Empty(t, drv.sent)
}

func TestBacklogDrainsInOrder(t *testing.T) {
	drv := newFakeDriver(10)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())
	establish(t, s, drv, 0)

	input := make([]byte, 95)
	for i := range input {
		input[i] = byte(i)
	}
	s.HandleLocalInput(input[:40])
	s.HandleLocalInput(input[40:])
	seq := s.MySeq()

	ticks := 0
	for s.Queued() > 0 {
		require.NoError(t, s.OnTimerTick())
		ticks++
		require.Less(t, ticks, 100)
	}
	assert.Equal(t, 10, ticks)

	var got []byte
	for _, pkt := range drv.packets(t) {
		assert.LessOrEqual(t, len(pkt.Payload), 10)
		assert.Equal(t, uint16(seq), pkt.Seq)
		seq = seq.Add(len(pkt.Payload))
		got = append(got, pkt.Payload...)
	}
	assert.Equal(t, input, got)
}

func TestSendFailureKeepsChunk(t *testing.T) {
	drv := newFakeDriver(4)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())
	establish(t, s, drv, 0)
	seq := s.MySeq()

	s.HandleLocalInput([]byte("abcdef"))
	drv.sendErr = errors.New("link busy")
	require.NoError(t, s.OnTimerTick())
	assert.Equal(t, seq, s.MySeq())
	assert.Equal(t, 6, s.Queued())

	s.HandleLocalInput([]byte("gh"))
	drv.sendErr = nil
	for s.Queued() > 0 {
		require.NoError(t, s.OnTimerTick())
	}

	pkts := drv.packets(t)
	require.Len(t, pkts, 2)
	assert.Equal(t, []byte("abcd"), pkts[0].Payload)
	assert.Equal(t, uint16(seq), pkts[0].Seq)
	assert.Equal(t, []byte("efgh"), pkts[1].Payload)
	assert.Equal(t, uint16(seq.Add(4)), pkts[1].Seq)
}

func TestReceivedDataReachesOutput(t *testing.T) {
	drv := newFakeDriver(100)
	var out bytes.Buffer
	s := newTestSession(t, drv, &out, DefaultConfig())
	establish(t, s, drv, 0x2000)

	drv.push(protocol.NewData(s.ID(), 0x2000, uint16(s.MySeq()), []byte("world")))
	require.NoError(t, s.OnTimerTick())
	assert.Equal(t, "world", out.String())
	assert.Equal(t, Seq(0x2005), s.TheirSeq())

	s.HandleLocalInput([]byte("!"))
	require.NoError(t, s.OnTimerTick())
	assert.Equal(t, uint16(0x2005), drv.packets(t)[0].Ack)
}

func TestTheirSeqWraps(t *testing.T) {
	drv := newFakeDriver(100)
	var out bytes.Buffer
	s := newTestSession(t, drv, &out, DefaultConfig())
	establish(t, s, drv, 0xfffe)

	drv.push(protocol.NewData(s.ID(), 0xfffe, 0, []byte("wrap")))
	require.NoError(t, s.OnTimerTick())
	assert.Equal(t, Seq(2), s.TheirSeq())
}

func TestJunkIsDropped(t *testing.T) {
	drv := newFakeDriver(100)
	var out bytes.Buffer
	s := newTestSession(t, drv, &out, DefaultConfig())
	establish(t, s, drv, 0)

	drv.queue = append(drv.queue, []byte{0x01, 0x02})
	drv.push(protocol.NewData(s.ID()^0xffff, 0, 0, []byte("not ours")))
	drv.push(protocol.NewSyn(s.ID(), 9, 0))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.OnTimerTick())
	}
	assert.Empty(t, out.String())
	assert.Equal(t, StateEstablished, s.State())
	assert.Equal(t, Seq(0), s.TheirSeq())
}

func TestRemoteFinClosesCleanly(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())
	establish(t, s, drv, 0)

	drv.push(protocol.NewFin(s.ID(), 0))
	require.NoError(t, s.OnTimerTick())
	assert.True(t, s.Closed())
	assert.Equal(t, 1, drv.closed)
	assert.Empty(t, drv.sent)
}

func TestLocalCloseReleasesInOrder(t *testing.T) {
	drv := newFakeDriver(100)
	var order []string
	var s *Session

	mux := closerFunc(func() error {
		assert.True(t, s.outbound.Released(), "outbound released before multiplexer")
		assert.True(t, s.inbound.Released(), "inbound released before multiplexer")
		order = append(order, "mux")
		return nil
	})
	drv.onClose = func() { order = append(order, "driver") }

	s = newTestSession(t, drv, io.Discard, DefaultConfig(), WithMultiplexer(mux))
	establish(t, s, drv, 0)
	s.HandleLocalInput([]byte("unsent"))

	require.NoError(t, s.HandleLocalClosed())
	require.NoError(t, s.HandleLocalClosed())

	assert.Equal(t, []string{"mux", "driver"}, order)
	assert.True(t, s.Closed())
	assert.Zero(t, s.Queued())

	pkts := drv.packets(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.TypeFin, pkts[0].Type)
	assert.Equal(t, s.ID(), pkts[0].SessionID)

	// Nothing happens after shutdown.
	s.HandleLocalInput([]byte("late"))
	require.NoError(t, s.OnTimerTick())
	assert.Empty(t, drv.sent)
	assert.Equal(t, []string{"mux", "driver"}, order)
}

func TestLocalCloseWhenFinFails(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())
	drv.sendErr = errors.New("down")

	require.NoError(t, s.HandleLocalClosed())
	assert.True(t, s.Closed())
	assert.Equal(t, 1, drv.closed)
}

func TestLinkLoss(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())
	drv.recvErr = driver.ErrClosed

	err := s.OnTimerTick()
	assert.ErrorIs(t, err, ErrLinkLost)
	assert.True(t, s.Closed())
}

func TestTransientReceiveErrorIsSkipped(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())
	drv.recvErr = errors.New("flaky")

	require.NoError(t, s.OnTimerTick())
	assert.Equal(t, StateNew, s.State())
	assert.Len(t, drv.sent, 1)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestOutputFailureEndsSession(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, failingWriter{}, DefaultConfig())
	establish(t, s, drv, 0)

	drv.push(protocol.NewData(s.ID(), 0, 0, []byte("x")))
	assert.ErrorIs(t, s.OnTimerTick(), ErrOutput)
	assert.True(t, s.Closed())
}

func TestInvalidStatePanics(t *testing.T) {
	s := newTestSession(t, newFakeDriver(100), io.Discard, DefaultConfig())
	s.state = State(42)
	assert.Panics(t, func() { s.OnTimerTick() })
	assert.Equal(t, "State(42)", s.state.String())
}

func TestDispatch(t *testing.T) {
	drv := newFakeDriver(100)
	s := newTestSession(t, drv, io.Discard, DefaultConfig())

	require.NoError(t, s.Dispatch(eventloop.Event{Kind: eventloop.LocalData, Data: []byte("abc")}))
	assert.Equal(t, 3, s.Queued())

	require.NoError(t, s.Dispatch(eventloop.Event{Kind: eventloop.TimerTick}))
	assert.Len(t, drv.sent, 1)

	require.NoError(t, s.Dispatch(eventloop.Event{Kind: eventloop.LocalClosed}))
	assert.True(t, s.Closed())

	assert.Panics(t, func() { s.Dispatch(eventloop.Event{Kind: eventloop.Kind(99)}) })
}

func TestSessionIDsAreSpread(t *testing.T) {
	const n = 2000
	ids := make(map[uint16]struct{}, n)
	high := 0
	for i := 0; i < n; i++ {
		s, err := New(newFakeDriver(100), io.Discard, DefaultConfig())
		require.NoError(t, err)
		ids[s.ID()] = struct{}{}
		if s.ID() >= 0x8000 {
			high++
		}
	}
	// About 30 birthday collisions are expected among 2000 draws.
	assert.Greater(t, len(ids), 1900)
	assert.InDelta(t, n/2, high, n/10)
}

func TestSeqAdd(t *testing.T) {
	assert.Equal(t, Seq(3), Seq(0xfffe).Add(5))
	assert.Equal(t, Seq(10), Seq(10).Add(1<<16))
	assert.Equal(t, "00ff", Seq(0xff).String())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "NEW", StateNew.String())
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
}

// syncBuffer is written by the event loop and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEchoOverEventLoop(t *testing.T) {
	local, remote := mem.Pair(64)
	go mem.Reflect(remote)

	var out syncBuffer
	var s *Session
	group := eventloop.NewGroup(eventloop.HandlerFunc(func(ev eventloop.Event) error {
		return s.Dispatch(ev)
	}))
	cfg := DefaultConfig()
	cfg.MaxHandshakeAttempts = 0
	s = newTestSession(t, local, &out, cfg, WithMultiplexer(group))

	pr, pw := io.Pipe()
	require.NoError(t, group.AddStream(pr))
	group.SetTimer(2 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- group.Run(context.Background(), 50*time.Millisecond) }()

	msg := bytes.Repeat([]byte("echo through the tunnel "), 10)
	_, err := pw.Write(msg)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return out.String() == string(msg) }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, pw.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("event loop did not stop after local close")
	}
}
