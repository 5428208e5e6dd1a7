package rtc

import (
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are public STUN servers. No TURN: the link is meant to be
// direct once signaling is done.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection using iceServers. Loopback
// candidates are gathered too so both ends may share a host.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, unordered DataChannel on the given
// PeerConnection. Negotiated mode (ID 0) lets both ends create the channel
// independently without OnDataChannel. Ordering and loss are the session's
// concern, like with the datagram drivers.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("tunnel", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
