package cardstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pinguard/internal/hardbool"
)

func TestNewIsProvisioned(t *testing.T) {
	st := New(PIN{1, 2, 3, 4})

	assert.Equal(t, MaxRetries, st.RetryCounter)
	assert.Equal(t, hardbool.False, st.Authenticated)
	assert.Equal(t, hardbool.False, st.Muted)
	assert.Equal(t, PIN{1, 2, 3, 4}, st.ReferencePIN)

	snap := st.Snapshot()
	assert.False(t, snap.IsAuthenticated())
	assert.False(t, snap.IsLocked())
	assert.False(t, snap.IsMuted())
}

func TestProvisionResetsCounterAndFlags(t *testing.T) {
	st := New(PIN{1, 2, 3, 4})
	st.RetryCounter = 0
	st.Authenticated = hardbool.True
	st.Muted = hardbool.True
	st.Present(PIN{9, 9, 9, 9})

	st.Provision(PIN{4, 3, 2, 1})

	assert.Equal(t, MaxRetries, st.RetryCounter)
	assert.Equal(t, hardbool.False, st.Authenticated)
	assert.Equal(t, hardbool.False, st.Muted)
	assert.Equal(t, PIN{}, st.PresentedPIN)
}

func TestClearPresented(t *testing.T) {
	st := New(PIN{1, 2, 3, 4})
	st.Present(PIN{5, 6, 7, 8})
	st.ClearPresented()
	assert.Equal(t, PIN{}, st.PresentedPIN)
}

func TestInvalidMutedCountsAsMuted(t *testing.T) {
	st := New(PIN{})
	st.Muted = 0x13
	assert.True(t, st.Snapshot().IsMuted())
}

func TestParsePIN(t *testing.T) {
	p, ok := ParsePIN([]byte{1, 2, 3, 4})
	require.True(t, ok)
	assert.Equal(t, PIN{1, 2, 3, 4}, p)

	_, ok = ParsePIN([]byte{1, 2, 3})
	assert.False(t, ok)
	_, ok = ParsePIN([]byte{1, 2, 3, 4, 5})
	assert.False(t, ok)
}

func TestParseDigits(t *testing.T) {
	p, ok := ParseDigits("1234")
	require.True(t, ok)
	assert.Equal(t, PIN{1, 2, 3, 4}, p)

	for _, bad := range []string{"", "123", "12345", "12a4", "12 4"} {
		_, ok := ParseDigits(bad)
		assert.False(t, ok, "input %q", bad)
	}
}
