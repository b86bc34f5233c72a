// Package hardbool implements booleans whose true and false encodings are far
// apart, so that a single bit flip or a zeroed register does not turn one legal
// value into the other.
//
// Any byte that is neither encoding decodes to StateInvalid. Hardened code must
// switch on the decoded state exhaustively and treat StateInvalid as tampering.
package hardbool

import "fmt"

// Bool is a boolean stored as a single byte.
type Bool uint8

// Hardened encodings. 0xAA and 0x55 differ in every bit.
const (
	True  Bool = 0xAA
	False Bool = 0x55
)

// State is the decoded value of a Bool.
type State uint8

// The zero State is StateInvalid so that an uninitialized decode fails closed.
const (
	StateInvalid State = iota
	StateTrue
	StateFalse
)

func (s State) String() string {
	switch s {
	case StateTrue:
		return "true"
	case StateFalse:
		return "false"
	default:
		return "invalid"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Of returns the hardened encoding of v.
func Of(v bool) Bool {
	if v {
		return True
	}
	return False
}

// State decodes b under the hardened encoding.
func (b Bool) State() State {
	return Hardened.Decode(b)
}

// Valid reports whether b is one of the two hardened encodings.
func (b Bool) Valid() bool {
	return b.State() != StateInvalid
}

func (b Bool) String() string {
	return fmt.Sprintf("%s(0x%02x)", b.State(), uint8(b))
}

// Codec is a pair of encodings for true and false.
type Codec struct {
	True  Bool
	False Bool
}

var (
	// Hardened is the fault resistant encoding.
	Hardened = Codec{True: True, False: False}
	// Plain is the C-style 1/0 encoding used by the unhardened ladder rung.
	Plain = Codec{True: 1, False: 0}
)

// Encode returns the encoding of v.
func (c Codec) Encode(v bool) Bool {
	if v {
		return c.True
	}
	return c.False
}

// Decode maps b to a State. Bytes outside the two encodings are StateInvalid.
func (c Codec) Decode(b Bool) State {
	switch b {
	case c.True:
		return StateTrue
	case c.False:
		return StateFalse
	default:
		return StateInvalid
	}
}

// Negate returns the opposite legal encoding, or b unchanged if it is invalid.
func (c Codec) Negate(b Bool) Bool {
	switch c.Decode(b) {
	case StateTrue:
		return c.False
	case StateFalse:
		return c.True
	default:
		return b
	}
}

// Distance returns the Hamming distance between the two encodings.
func (c Codec) Distance() int {
	x := uint8(c.True ^ c.False)
	n := 0
	for x != 0 {
		n += int(x & 1)
		x >>= 1
	}
	return n
}
