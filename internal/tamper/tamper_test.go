package tamper

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftwareCounter(t *testing.T) {
	ctx := context.Background()
	c := NewSoftware(4)

	n, err := c.Increment(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	v, err := c.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
	assert.NoError(t, c.Close())
}

func TestOpenBackends(t *testing.T) {
	c, err := Open(BackendNone, "")
	require.NoError(t, err)
	n, _ := c.Increment(context.Background())
	assert.Zero(t, n)

	c, err = Open(BackendSoftware, "")
	require.NoError(t, err)
	assert.IsType(t, &Software{}, c)

	_, err = Open("hsm", "")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestOpenTPMMissingDevice(t *testing.T) {
	_, err := Open(BackendTPM, filepath.Join(t.TempDir(), "tpm-does-not-exist"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}
