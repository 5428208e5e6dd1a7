// Package signaling performs the WebSocket-based SDP/ICE exchange that sets up
// a WebRTC DataChannel. The WebSocket is only needed until the channel opens.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tuncat/internal/util"
)

var ErrSignaling = errors.New("signaling: exchange failed")

// Peer is the WebRTC endpoint being negotiated. Ready is closed once its
// DataChannel is open.
type Peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	Ready() <-chan struct{}
}

// Connect dials the signaling WebSocket. A URL without a path gets /ws.
func Connect(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	wsURL, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return conn, nil
}

// NormalizeURL validates a signaling URL. The scheme defaults to ws and the
// path to /ws.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signaling URL: %q", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid signaling URL scheme: %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Answer runs the answering side: it waits for the far end's offer, replies
// and trickles candidates until the peer is ready.
func Answer(ctx context.Context, conn *websocket.Conn, peer Peer) error {
	return exchange(ctx, conn, peer, false)
}

// Offer runs the offering side of the exchange.
func Offer(ctx context.Context, conn *websocket.Conn, peer Peer) error {
	return exchange(ctx, conn, peer, true)
}

func exchange(ctx context.Context, conn *websocket.Conn, peer Peer, offer bool) error {
	s := &sender{conn: conn}
	r := &receiver{peer: peer, conn: conn, sender: s}

	// Candidates gathered after the WebSocket closes are not needed.
	peer.OnICECandidate(s.trickle)

	// Exits when the caller closes conn.
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	if offer {
		if err := s.describe(peer, webrtc.SDPTypeOffer); err != nil {
			return fmt.Errorf("%w: %v", ErrSignaling, err)
		}
	}

	select {
	case <-peer.Ready():
		util.LogDebug("signaling: DataChannel open")
		return nil
	case err := <-errCh:
		select {
		case <-peer.Ready():
			return nil
		default:
		}
		return fmt.Errorf("%w: %v", ErrSignaling, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}
