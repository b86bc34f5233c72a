//go:build unix

// Package security provides the secret handling used by the card host:
// locked and wiped buffers for PINs, the device secret file and key
// derivation for the state record MAC.
package security

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// SecureBytes is a buffer that is locked in memory where privileges allow and
// zeroed when destroyed.
type SecureBytes struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewSecureBytes allocates a zeroed buffer of the given size. Failure to mlock
// is not an error; Locked reports the outcome.
func NewSecureBytes(size int) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, size)}
	if size > 0 && unix.Mlock(sb.data) == nil {
		sb.locked = true
	}
	runtime.SetFinalizer(sb, (*SecureBytes).Destroy)
	return sb
}

// Locked reports whether the buffer is pinned in RAM.
func (s *SecureBytes) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Destroy wipes and unlocks the buffer. It is safe to call more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}
	Wipe(s.data)
	if s.locked {
		_ = unix.Munlock(s.data)
		s.locked = false
	}
	s.data = nil
}
