package hsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitVault(t *testing.T) {
	t.Run("missing master key", func(t *testing.T) {
		v, err := InitVault(Config{})
		assert.Error(t, err)
		assert.Nil(t, v)
	})

	t.Run("generated salt", func(t *testing.T) {
		v, err := InitVault(Config{MasterKey: "master"})
		require.NoError(t, err)
		assert.Len(t, v.masterKey, 32)
	})
}

func TestVault_SealOpen(t *testing.T) {
	v, err := InitVault(Config{MasterKey: "master", Salt: []byte("0123456789abcdef")})
	require.NoError(t, err)

	sealed, err := v.Seal([]byte("merchant-callback-secret"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "merchant-callback-secret")

	opened, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "merchant-callback-secret", string(opened))

	t.Run("nonce differs per seal", func(t *testing.T) {
		again, err := v.Seal([]byte("merchant-callback-secret"))
		require.NoError(t, err)
		assert.NotEqual(t, sealed, again)
	})

	t.Run("other key cannot open", func(t *testing.T) {
		other, err := InitVault(Config{MasterKey: "other", Salt: []byte("0123456789abcdef")})
		require.NoError(t, err)
		_, err = other.Open(sealed)
		assert.Error(t, err)
	})

	t.Run("garbage input", func(t *testing.T) {
		_, err := v.Open("!!")
		assert.Error(t, err)
		_, err = v.Open("YQ")
		assert.Error(t, err)
	})
}

func TestVault_Sign(t *testing.T) {
	v, err := InitVault(Config{MasterKey: "master", Salt: []byte("salt")})
	require.NoError(t, err)

	payload := []byte(`{"amount":100,"id":"tx"}`)
	sig := v.Sign([]byte("secret"), payload)

	assert.Len(t, sig, 128)
	assert.Equal(t, sig, v.Sign([]byte("secret"), payload))
	assert.True(t, v.Verify([]byte("secret"), payload, sig))
	assert.False(t, v.Verify([]byte("wrong"), payload, sig))
	assert.False(t, v.Verify([]byte("secret"), []byte(`{"amount":101,"id":"tx"}`), sig))
	assert.False(t, v.Verify([]byte("secret"), payload, "not-hex"))
}
