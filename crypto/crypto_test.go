package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateDEK()
	require.NoError(t, err)

	plaintext := []byte("she always drinks her coffee black")

	ciphertext, iv, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	require.Len(t, iv, NonceSize)
	require.NotEqual(t, plaintext, ciphertext)

	out, err := Decrypt(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestEncryptUsesFreshIVs(t *testing.T) {
	key, err := GenerateDEK()
	require.NoError(t, err)

	_, iv1, err := Encrypt([]byte("a"), key)
	require.NoError(t, err)
	_, iv2, err := Encrypt([]byte("a"), key)
	require.NoError(t, err)

	assert.NotEqual(t, iv1, iv2)
}

func TestSetupUnlockLock(t *testing.T) {
	e := New()
	require.True(t, e.State().Locked)
	require.False(t, e.State().HasWrappedDEK)

	require.NoError(t, e.SetupEncryption("correct horse battery staple"))
	require.True(t, e.Unlocked())
	require.Equal(t, DerivationPassphrase, e.State().Kind)

	dek, err := e.DEK()
	require.NoError(t, err)
	require.Len(t, dek, KeySize)

	e.Lock()
	require.False(t, e.Unlocked())
	_, err = e.DEK()
	require.ErrorIs(t, err, ErrLocked)

	// Wrong secret must fail uniformly.
	require.ErrorIs(t, e.Unlock("wrong"), ErrInvalidSecret)

	require.NoError(t, e.Unlock("correct horse battery staple"))
	dek2, err := e.DEK()
	require.NoError(t, err)
	assert.Equal(t, dek, dek2)
}

func TestSessionEncryptionUsesLowerIterations(t *testing.T) {
	e := New()
	require.NoError(t, e.SetupSessionEncryption("opaque-session-token"))
	require.Equal(t, SessionIterations, e.WrappedDEK().Iterations)
	require.Equal(t, DerivationSession, e.WrappedDEK().Kind)
}

func TestRotateKey(t *testing.T) {
	e := New()
	require.NoError(t, e.SetupEncryption("old pass"))
	dek, err := e.DEK()
	require.NoError(t, err)
	dekCopy := append([]byte(nil), dek...)

	require.NoError(t, e.RotateKey("new pass", DerivationPassphrase))

	// Rotation only changes the wrapping; the DEK is unchanged.
	dek2, err := e.DEK()
	require.NoError(t, err)
	assert.Equal(t, dekCopy, dek2)

	e.Lock()
	require.ErrorIs(t, e.Unlock("old pass"), ErrInvalidSecret)
	require.NoError(t, e.Unlock("new pass"))

	dek3, err := e.DEK()
	require.NoError(t, err)
	assert.Equal(t, dekCopy, dek3)
}

func TestRotateKeyWhileLocked(t *testing.T) {
	e := New()
	require.NoError(t, e.SetupEncryption("pass"))
	e.Lock()
	require.ErrorIs(t, e.RotateKey("other", DerivationPassphrase), ErrLocked)
}

func TestUnlockWithoutSetup(t *testing.T) {
	e := New()
	require.ErrorIs(t, e.Unlock("anything"), ErrNoWrappedDEK)
}

func TestLoadWrappedDEK(t *testing.T) {
	e := New()
	require.NoError(t, e.SetupEncryption("pass"))
	w := e.WrappedDEK()

	fresh := New()
	require.NoError(t, fresh.LoadWrappedDEK(w))
	require.True(t, fresh.State().HasWrappedDEK)
	require.True(t, fresh.State().Locked)

	require.NoError(t, fresh.Unlock("pass"))
	require.True(t, fresh.Unlocked())

	require.Error(t, fresh.LoadWrappedDEK(nil))
	require.Error(t, fresh.LoadWrappedDEK(&WrappedDEK{}))
}

func TestTamperedCiphertextFailsClosed(t *testing.T) {
	key, err := GenerateDEK()
	require.NoError(t, err)

	ciphertext, iv, err := Encrypt([]byte("payload"), key)
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = Decrypt(ciphertext, key, iv)
	require.Error(t, err)
}
