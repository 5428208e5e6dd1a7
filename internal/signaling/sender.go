package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tuncat/internal/util"
)

// writeTimeout bounds a single signaling write.
const writeTimeout = 5 * time.Second

// sender writes to the signaling socket. The exchange goroutine and pion's
// candidate callback both write, so writes are serialized.
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *sender) write(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// describe creates the local offer or answer, applies it to peer and sends it.
func (s *sender) describe(peer Peer, typ webrtc.SDPType) error {
	var (
		sd   webrtc.SessionDescription
		kind messageType
		err  error
	)
	switch typ {
	case webrtc.SDPTypeOffer:
		kind = msgTypeOffer
		sd, err = peer.CreateOffer()
	case webrtc.SDPTypeAnswer:
		kind = msgTypeAnswer
		sd, err = peer.CreateAnswer()
	default:
		return fmt.Errorf("cannot originate a %s description", typ)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", typ, err)
	}
	if err := peer.SetLocalDescription(sd); err != nil {
		return fmt.Errorf("set local %s: %w", typ, err)
	}
	return s.write(message{Type: kind, SDP: sd.SDP})
}

// trickle forwards one locally gathered candidate. The nil end-of-gathering
// marker is not forwarded, and candidates found after the socket closed are
// only logged.
func (s *sender) trickle(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		util.LogDebug("signaling: encode candidate: %v", err)
		return
	}
	if err := s.write(message{Type: msgTypeCandidate, Candidate: string(data)}); err != nil {
		util.LogDebug("signaling: candidate not sent: %v", err)
	}
}
