//go:build !linux

package tamper

import "context"

// TPM is unavailable on this platform.
type TPM struct{}

// OpenTPM always returns ErrUnavailable.
func OpenTPM(string) (*TPM, error) {
	return nil, ErrUnavailable
}

func (*TPM) Increment(context.Context) (uint64, error) { return 0, ErrUnavailable }
func (*TPM) Value(context.Context) (uint64, error)     { return 0, ErrUnavailable }
func (*TPM) Close() error                              { return nil }
