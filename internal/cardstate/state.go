// Package cardstate holds the persistent security state of a card: the PIN try
// counter, the authentication flag and the two PIN buffers.
//
// The state is a plain struct handed by pointer to the verification engine,
// which is its only writer during a call. Values outside their documented
// range are programming errors and are not checked here.
package cardstate

import (
	"pinguard/internal/hardbool"
)

const (
	// MaxRetries is the try counter value after provisioning and after every
	// successful verification.
	MaxRetries int8 = 3

	// PINSize is the fixed PIN length in bytes.
	PINSize = 4
)

// PIN is a fixed-length PIN buffer.
type PIN [PINSize]byte

// State is the card's persistent security state.
type State struct {
	// RetryCounter is the PIN try counter (PTC).
	RetryCounter int8

	// Authenticated is the authentication flag, always in the hardened encoding.
	Authenticated hardbool.Bool

	// Muted is set by the host when a countermeasure fired. The engine never
	// reads or writes it.
	Muted hardbool.Bool

	// ReferencePIN is the PIN held in secure storage.
	ReferencePIN PIN

	// PresentedPIN is the PIN received from the terminal for this attempt.
	PresentedPIN PIN
}

// New returns a provisioned state for the given reference PIN.
func New(reference PIN) *State {
	st := &State{}
	st.Provision(reference)
	return st
}

// Provision installs a new reference PIN and resets the counter and flags.
func (s *State) Provision(reference PIN) {
	s.ReferencePIN = reference
	s.PresentedPIN = PIN{}
	s.RetryCounter = MaxRetries
	s.Authenticated = hardbool.False
	s.Muted = hardbool.False
}

// Present loads the PIN received from the terminal.
func (s *State) Present(pin PIN) {
	s.PresentedPIN = pin
}

// ClearPresented zeroes the presented PIN buffer.
func (s *State) ClearPresented() {
	for i := range s.PresentedPIN {
		s.PresentedPIN[i] = 0
	}
}

// Snapshot is the host-visible part of the state.
type Snapshot struct {
	RetryCounter  int8           `json:"retry_counter"`
	Authenticated hardbool.State `json:"authenticated"`
	Muted         hardbool.State `json:"muted"`
}

// Snapshot returns the outputs the host reads after a verification call.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		RetryCounter:  s.RetryCounter,
		Authenticated: s.Authenticated.State(),
		Muted:         s.Muted.State(),
	}
}

// IsAuthenticated reports whether the flag holds the hardened true encoding.
func (s Snapshot) IsAuthenticated() bool {
	return s.Authenticated == hardbool.StateTrue
}

// IsLocked reports whether the try counter is exhausted.
func (s Snapshot) IsLocked() bool {
	return s.RetryCounter <= 0
}

// IsMuted reports whether the card has been silenced. An invalid encoding
// counts as muted.
func (s Snapshot) IsMuted() bool {
	return s.Muted != hardbool.StateFalse
}

// ParsePIN converts a byte slice into a PIN. It reports false when the length
// does not match PINSize.
func ParsePIN(b []byte) (PIN, bool) {
	var p PIN
	if len(b) != PINSize {
		return p, false
	}
	copy(p[:], b)
	return p, true
}

// ParseDigits converts a string of ASCII digits into a PIN holding the digit
// values, the way a terminal keypad would deliver them.
func ParseDigits(s string) (PIN, bool) {
	var p PIN
	if len(s) != PINSize {
		return p, false
	}
	for i := 0; i < PINSize; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return PIN{}, false
		}
		p[i] = c - '0'
	}
	return p, true
}
