//go:build !unix

// Package security provides the secret handling used by the card host:
// locked and wiped buffers for PINs, the device secret file and key
// derivation for the state record MAC.
package security

import (
	"runtime"
	"sync"
)

// SecureBytes is a buffer that is zeroed when destroyed. Memory locking is
// not available on this platform.
type SecureBytes struct {
	mu   sync.Mutex
	data []byte
}

// NewSecureBytes allocates a zeroed buffer of the given size.
func NewSecureBytes(size int) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, size)}
	runtime.SetFinalizer(sb, (*SecureBytes).Destroy)
	return sb
}

// Locked always reports false.
func (s *SecureBytes) Locked() bool {
	return false
}

// Destroy wipes the buffer. It is safe to call more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}
	Wipe(s.data)
	s.data = nil
}
