package dpop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNonceIssuer(t *testing.T) {
	_, err := NewNonceIssuer([]byte("short"), time.Minute)
	assert.Error(t, err)

	n, err := NewNonceIssuer(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultNonceWindow, n.window)
	assert.Len(t, n.secret, 32)
}

func TestNonceIssuer_Windows(t *testing.T) {
	n, err := NewNonceIssuer(make([]byte, 32), time.Minute)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	n.now = func() time.Time { return now }

	nonce := n.Issue()
	assert.NotEmpty(t, nonce)
	assert.True(t, n.Valid(nonce))
	assert.Equal(t, nonce, n.Issue(), "nonce is stable within a window")

	// previous window is still accepted
	now = now.Add(time.Minute)
	assert.True(t, n.Valid(nonce))
	assert.NotEqual(t, nonce, n.Issue())

	// two windows later it is not
	now = now.Add(time.Minute)
	assert.False(t, n.Valid(nonce))

	assert.False(t, n.Valid(""))
	assert.False(t, n.Valid("garbage"))
}

func TestNonceIssuer_SharedSecret(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	a, err := NewNonceIssuer(secret, time.Minute)
	require.NoError(t, err)
	b, err := NewNonceIssuer(secret, time.Minute)
	require.NoError(t, err)
	c, err := NewNonceIssuer([]byte("fedcba9876543210fedcba9876543210"), time.Minute)
	require.NoError(t, err)

	now := time.Now()
	a.now = func() time.Time { return now }
	b.now = a.now
	c.now = a.now

	assert.True(t, b.Valid(a.Issue()))
	assert.False(t, c.Valid(a.Issue()))
}
