package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/1ureka/tuncat/internal/buffer"
)

var (
	ErrShortPacket = errors.New("protocol: packet too short")
	ErrUnknownType = errors.New("protocol: unknown packet type")
)

// Encode serializes a Packet into a byte slice for the transport driver.
func Encode(pkt *Packet) []byte {
	buf := buffer.New(binary.BigEndian)
	defer buf.Release()

	buf.AppendUint8(pkt.Type)
	buf.AppendUint16(pkt.SessionID)
	buf.AppendUint16(pkt.Seq)
	buf.AppendUint16(pkt.Ack)

	switch pkt.Type {
	case TypeSyn:
		buf.AppendUint16(pkt.Options)
	case TypeData:
		if len(pkt.Payload) > 0 {
			buf.Append(pkt.Payload)
		}
	}
	return buf.DrainUpTo(buf.Remaining())
}

// Decode deserializes a byte slice into a Packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortPacket, len(data), HeaderSize)
	}

	buf := buffer.New(binary.BigEndian)
	defer buf.Release()
	buf.Append(data)

	pkt := &Packet{}
	pkt.Type, _ = buf.ReadUint8()
	pkt.SessionID, _ = buf.ReadUint16()
	pkt.Seq, _ = buf.ReadUint16()
	pkt.Ack, _ = buf.ReadUint16()

	switch pkt.Type {
	case TypeSyn:
		opts, err := buf.ReadUint16()
		if err != nil {
			return nil, fmt.Errorf("%w: SYN without options", ErrShortPacket)
		}
		pkt.Options = opts
	case TypeData:
		if n := buf.Remaining(); n > 0 {
			pkt.Payload = buf.DrainUpTo(n)
		}
	case TypeFin:
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, pkt.Type)
	}
	return pkt, nil
}
