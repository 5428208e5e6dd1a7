package session

import "fmt"

// Seq is a 16-bit sequence number. Arithmetic wraps modulo 2^16.
type Seq uint16

// Add returns s advanced by n bytes.
func (s Seq) Add(n int) Seq {
	return s + Seq(uint16(n))
}

func (s Seq) String() string { return fmt.Sprintf("%04x", uint16(s)) }
