package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
)

const (
	// MinKeySize is the minimum key size in bytes.
	MinKeySize = 16
	// KeySize is the size of generated and derived keys.
	KeySize = 32

	// PermSecretFile is the mode of files holding secrets.
	PermSecretFile os.FileMode = 0o600
	// PermSecretDir is the mode of directories holding secrets.
	PermSecretDir os.FileMode = 0o700
)

// GenerateKey returns KeySize random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("security: read random: %w", err)
	}
	return key, nil
}

// DeriveKey derives a KeySize key from master with HKDF-SHA256. The label
// separates keys derived for different purposes.
func DeriveKey(master []byte, label string) ([]byte, error) {
	if len(master) < MinKeySize {
		return nil, fmt.Errorf("%w: %d bytes, minimum %d", ErrWeakKey, len(master), MinKeySize)
	}
	r := hkdf.New(sha256.New, master, nil, []byte("pinguard:"+label))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("security: derive %s: %w", label, err)
	}
	return key, nil
}

// Equal compares a and b in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// LoadOrCreateSecret reads the device secret at path, creating it with
// PermSecretFile if it does not exist. An existing file readable by group or
// others is rejected.
func LoadOrCreateSecret(path string) ([]byte, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := WriteSecretFile(path, key); err != nil {
			return nil, err
		}
		return key, nil
	case err != nil:
		return nil, err
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o", ErrInsecurePermissions, path, info.Mode().Perm())
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("%w: %s holds %d bytes", ErrWeakKey, path, len(key))
	}
	return key, nil
}

// WriteSecretFile writes data atomically through a temporary file in the
// same directory.
func WriteSecretFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, PermSecretDir); err != nil {
		return fmt.Errorf("security: create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("security: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(PermSecretFile); err != nil && runtime.GOOS != "windows" {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
