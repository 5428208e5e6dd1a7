// Package buffer provides the byte accumulator that sits between local I/O
// and the transport: bytes are appended at the tail and drained from the head
// in bounded chunks.
package buffer

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned by the typed reads when fewer bytes remain than
// the value needs.
var ErrShortBuffer = errors.New("buffer: not enough bytes remaining")

// Buffer is a FIFO byte accumulator. The byte order is used by the typed
// Append/Read helpers only; raw Append and DrainUpTo never transform data.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	order    binary.ByteOrder
	data     bytes.Buffer
	released bool
}

// New creates an empty buffer using order for multi-byte values.
func New(order binary.ByteOrder) *Buffer {
	return &Buffer{order: order}
}

// Append adds p to the tail of the buffer.
func (b *Buffer) Append(p []byte) {
	b.mustLive()
	b.data.Write(p)
}

// AppendUint8 adds a single byte.
func (b *Buffer) AppendUint8(v uint8) {
	b.mustLive()
	b.data.WriteByte(v)
}

// AppendUint16 adds v using the buffer's byte order.
func (b *Buffer) AppendUint16(v uint16) {
	b.mustLive()
	var tmp [2]byte
	b.order.PutUint16(tmp[:], v)
	b.data.Write(tmp[:])
}

// AppendUint32 adds v using the buffer's byte order.
func (b *Buffer) AppendUint32(v uint32) {
	b.mustLive()
	var tmp [4]byte
	b.order.PutUint32(tmp[:], v)
	b.data.Write(tmp[:])
}

// ReadUint8 consumes one byte from the head.
func (b *Buffer) ReadUint8() (uint8, error) {
	b.mustLive()
	if b.data.Len() < 1 {
		return 0, ErrShortBuffer
	}
	v, _ := b.data.ReadByte()
	return v, nil
}

// ReadUint16 consumes two bytes from the head.
func (b *Buffer) ReadUint16() (uint16, error) {
	b.mustLive()
	if b.data.Len() < 2 {
		return 0, ErrShortBuffer
	}
	return b.order.Uint16(b.data.Next(2)), nil
}

// ReadUint32 consumes four bytes from the head.
func (b *Buffer) ReadUint32() (uint32, error) {
	b.mustLive()
	if b.data.Len() < 4 {
		return 0, ErrShortBuffer
	}
	return b.order.Uint32(b.data.Next(4)), nil
}

// Remaining returns the number of bytes not yet drained.
func (b *Buffer) Remaining() int {
	b.mustLive()
	return b.data.Len()
}

// DrainUpTo removes and returns at most max bytes from the head. The returned
// slice is a copy and stays valid after further appends. A non-positive max
// drains nothing.
func (b *Buffer) DrainUpTo(max int) []byte {
	b.mustLive()
	if max <= 0 || b.data.Len() == 0 {
		return nil
	}
	chunk := b.data.Next(max)
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return out
}

// Release drops the buffered bytes. Any later use of b panics.
func (b *Buffer) Release() {
	b.mustLive()
	b.data = bytes.Buffer{}
	b.released = true
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool { return b.released }

func (b *Buffer) mustLive() {
	if b.released {
		panic("buffer: use after release")
	}
}
