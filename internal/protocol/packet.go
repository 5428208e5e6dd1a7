// Package protocol defines the packet format and types for the tunnel session.
package protocol

// Packet type constants.
const (
	TypeSyn  uint8 = 0x00 // Session open request, or the far end's confirmation
	TypeData uint8 = 0x01 // Stream payload
	TypeFin  uint8 = 0x02 // Session close notification
)

// Header sizes. Every packet starts with Type(1) + SessionID(2) + Seq(2) + Ack(2);
// SYN packets append Options(2) and carry no payload.
const (
	HeaderSize     = 7
	DataHeaderSize = HeaderSize
	SynSize        = HeaderSize + 2
)

// Option flags carried by SYN packets.
const (
	OptionName uint16 = 0x0001 // reserved: a session name follows the handshake
)

// Packet represents a tunnel protocol packet handed to a transport driver.
type Packet struct {
	Type      uint8  // TypeSyn, TypeData, or TypeFin
	SessionID uint16 // Randomly chosen by the client, fixed for the session
	Seq       uint16 // Sender's sequence number
	Ack       uint16 // Last sequence number seen from the other side (DATA only)
	Options   uint16 // Only used for TypeSyn
	Payload   []byte // Only used for TypeData
}

// NewSyn builds a handshake packet announcing sessionID and the initial seq.
func NewSyn(sessionID, seq, options uint16) *Packet {
	return &Packet{
		Type:      TypeSyn,
		SessionID: sessionID,
		Seq:       seq,
		Options:   options,
	}
}

// NewData builds a data packet carrying payload at seq, acknowledging ack.
func NewData(sessionID, seq, ack uint16, payload []byte) *Packet {
	return &Packet{
		Type:      TypeData,
		SessionID: sessionID,
		Seq:       seq,
		Ack:       ack,
		Payload:   payload,
	}
}

// NewFin builds a close notification for sessionID.
func NewFin(sessionID, seq uint16) *Packet {
	return &Packet{
		Type:      TypeFin,
		SessionID: sessionID,
		Seq:       seq,
	}
}

// TypeName returns a human-readable name for a packet type, for logging.
func TypeName(typ uint8) string {
	switch typ {
	case TypeSyn:
		return "SYN"
	case TypeData:
		return "DATA"
	case TypeFin:
		return "FIN"
	default:
		return "UNKNOWN"
	}
}
