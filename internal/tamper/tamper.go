// Package tamper records how many times a countermeasure fired on this
// device.
//
// The count survives restarts: with the TPM backend it lives in a TPM NV
// counter that cannot be decremented or reset without clearing the TPM. The
// software backend keeps it in memory only; the CLI seeds it from the tamper
// count of the stored card record, and the card never records a count below
// the stored one.
package tamper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrUnavailable    = errors.New("tamper: TPM not available")
	ErrUnknownBackend = errors.New("tamper: unknown backend")
)

// Backend names accepted by Open.
const (
	BackendNone     = "none"
	BackendSoftware = "software"
	BackendTPM      = "tpm"
)

// Counter is a monotonic tamper counter.
type Counter interface {
	// Increment adds one and returns the new value.
	Increment(ctx context.Context) (uint64, error)
	// Value returns the current value.
	Value(ctx context.Context) (uint64, error)
	Close() error
}

// Open returns the counter for a backend. devicePath is only used by the TPM
// backend; empty selects the first accessible TPM device.
func Open(backend, devicePath string) (Counter, error) {
	switch backend {
	case BackendNone, "":
		return Discard{}, nil
	case BackendSoftware:
		return &Software{}, nil
	case BackendTPM:
		c, err := OpenTPM(devicePath)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Software is an in-memory counter.
type Software struct {
	n atomic.Uint64
}

// NewSoftware returns a counter starting at start.
func NewSoftware(start uint64) *Software {
	s := &Software{}
	s.n.Store(start)
	return s
}

func (s *Software) Increment(context.Context) (uint64, error) {
	return s.n.Add(1), nil
}

func (s *Software) Value(context.Context) (uint64, error) {
	return s.n.Load(), nil
}

func (s *Software) Close() error { return nil }

// Discard counts nothing. Value is always zero.
type Discard struct{}

func (Discard) Increment(context.Context) (uint64, error) { return 0, nil }
func (Discard) Value(context.Context) (uint64, error)     { return 0, nil }
func (Discard) Close() error                              { return nil }
