//go:build linux

package tamper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// Resource manager first, direct access as fallback.
var tpmDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

// NV index in the owner range reserved for the tamper counter.
const (
	nvCounterIndex = tpm2.TPMHandle(0x01500002)
	nvCounterSize  = 8
)

// TPM is a tamper counter held in a TPM NV counter index.
type TPM struct {
	mu sync.Mutex
	t  transport.TPMCloser
}

// OpenTPM opens the TPM at devicePath, or the first accessible device when
// devicePath is empty, and defines the counter index if needed.
func OpenTPM(devicePath string) (*TPM, error) {
	path := devicePath
	if path == "" {
		for _, p := range tpmDevicePaths {
			if f, err := os.OpenFile(p, os.O_RDWR, 0); err == nil {
				f.Close()
				path = p
				break
			}
		}
	}
	if path == "" {
		return nil, ErrUnavailable
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	t, err := transport.OpenTPM(path)
	if err != nil {
		return nil, fmt.Errorf("tamper: open %s: %w", path, err)
	}
	if err := defineCounter(t); err != nil {
		t.Close()
		return nil, err
	}
	return &TPM{t: t}, nil
}

// defineCounter creates the NV counter if it does not exist yet.
func defineCounter(t transport.TPM) error {
	if _, err := (tpm2.NVReadPublic{NVIndex: nvCounterIndex}).Execute(t); err == nil {
		return nil
	}
	def := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex: nvCounterIndex,
			NameAlg: tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{
				NT:        tpm2.TPMNTCounter,
				AuthRead:  true,
				AuthWrite: true,
				NoDA:      true,
			},
			DataSize: nvCounterSize,
		}),
	}
	if _, err := def.Execute(t); err != nil {
		return fmt.Errorf("tamper: NVDefineSpace: %w", err)
	}
	// A fresh counter index is unreadable until its first increment.
	if err := increment(t); err != nil {
		return err
	}
	return nil
}

func authHandle() tpm2.AuthHandle {
	return tpm2.AuthHandle{
		Handle: nvCounterIndex,
		Auth:   tpm2.PasswordAuth(nil),
	}
}

func increment(t transport.TPM) error {
	cmd := tpm2.NVIncrement{AuthHandle: authHandle(), NVIndex: nvCounterIndex}
	if _, err := cmd.Execute(t); err != nil {
		return fmt.Errorf("tamper: NVIncrement: %w", err)
	}
	return nil
}

func read(t transport.TPM) (uint64, error) {
	cmd := tpm2.NVRead{
		AuthHandle: authHandle(),
		NVIndex:    nvCounterIndex,
		Size:       nvCounterSize,
	}
	rsp, err := cmd.Execute(t)
	if err != nil {
		return 0, fmt.Errorf("tamper: NVRead: %w", err)
	}
	if len(rsp.Data.Buffer) < nvCounterSize {
		return 0, errors.New("tamper: counter data too short")
	}
	return binary.BigEndian.Uint64(rsp.Data.Buffer), nil
}

// Increment adds one to the NV counter and returns the new value. NV
// counters start at an implementation-defined value, so callers should only
// compare values from the same TPM.
func (c *TPM) Increment(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := increment(c.t); err != nil {
		return 0, err
	}
	return read(c.t)
}

func (c *TPM) Value(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return read(c.t)
}

func (c *TPM) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Close()
}
