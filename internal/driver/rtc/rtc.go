// Package rtc carries packets over a WebRTC DataChannel. The channel is
// negotiated through a WebSocket signaling exchange in which this side
// answers; afterwards the WebSocket is closed and traffic is peer-to-peer.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tuncat/internal/driver"
	"github.com/1ureka/tuncat/internal/signaling"
	"github.com/1ureka/tuncat/internal/util"
)

// DefaultMaxPacketSize is used when the endpoint leaves it unset.
const DefaultMaxPacketSize = 16 * 1024

// Driver wraps a single PeerConnection + DataChannel pair.
//
// The link is down once the DataChannel closes, the PeerConnection fails or
// closes, or a write fails. Recv then reports driver.ErrClosed.
type Driver struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	inbox      *driver.Inbox
	openSignal chan struct{}
	maxSize    int

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

var (
	_ driver.Driver  = (*Driver)(nil)
	_ signaling.Peer = (*Driver)(nil)
)

// Dial connects to the signaling server at ep.Addr, answers its offer and
// returns once the DataChannel is open.
func Dial(ctx context.Context, ep driver.Endpoint) (*Driver, error) {
	if ep.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.DialTimeout)
		defer cancel()
	}

	wsConn, err := signaling.Connect(ctx, ep.Addr)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("rtc: signaling connected: %s", ep.Addr)

	d, err := New(ep)
	if err != nil {
		return nil, err
	}

	if err := signaling.Answer(ctx, wsConn, d); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// New creates a Driver backed by a new PeerConnection and a pre-negotiated
// DataChannel. The caller negotiates it through the signaling.Peer methods.
func New(ep driver.Endpoint) (*Driver, error) {
	pc, err := newPeerConnection(ep.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("rtc: create PeerConnection: %w", err)
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtc: create DataChannel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Driver{
		pc:         pc,
		dc:         dc,
		inbox:      driver.NewInbox(driver.DefaultInboxSize),
		openSignal: make(chan struct{}),
		maxSize:    ep.PacketSize(DefaultMaxPacketSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(d.openSignal) })
	})

	dc.OnClose(func() {
		util.LogDebug("rtc: DataChannel closed")
		d.inbox.Close()
		cancel()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !d.inbox.Push(msg.Data) {
			util.LogDebug("rtc: inbox full, dropped %d-byte packet", len(msg.Data))
		}
	})

	pc.OnConnectionStateChange(d.handleConnectionState)

	d.sender = newSender(ctx, dc, d.openSignal, func(err error) {
		d.inbox.CloseWithError(err)
		cancel()
	})

	return d, nil
}

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

// Send queues p for the sender goroutine. It blocks while the send queue is
// full.
func (d *Driver) Send(p []byte) error {
	if len(p) > d.maxSize {
		return fmt.Errorf("%w: %d > %d", driver.ErrPacketTooLarge, len(p), d.maxSize)
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	if !d.sender.send(d.ctx, cp) {
		return driver.ErrClosed
	}
	return nil
}

func (d *Driver) Recv(timeout time.Duration) ([]byte, error) {
	return d.inbox.Pop(timeout)
}

func (d *Driver) MaxPacketSize() int { return d.maxSize }

// Close shuts down the DataChannel and PeerConnection.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.inbox.Close()
		d.closeErr = errors.Join(d.dc.Close(), d.pc.Close())
	})
	return d.closeErr
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (d *Driver) Ready() <-chan struct{} {
	return d.openSignal
}

// handleConnectionState takes the link down when ICE gives up or the far end
// goes away. The DataChannel's OnClose does not fire in every such case.
func (d *Driver) handleConnectionState(state webrtc.PeerConnectionState) {
	util.LogDebug("rtc: PeerConnection state: %s", state)
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		d.inbox.CloseWithError(fmt.Errorf("rtc: PeerConnection %s", state))
		d.cancel()
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (d *Driver) CreateOffer() (webrtc.SessionDescription, error) {
	return d.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (d *Driver) CreateAnswer() (webrtc.SessionDescription, error) {
	return d.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (d *Driver) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return d.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (d *Driver) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return d.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (d *Driver) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	d.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (d *Driver) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return d.pc.AddICECandidate(candidate)
}
