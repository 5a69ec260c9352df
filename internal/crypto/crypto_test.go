package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	for _, method := range []string{MethodAES128, MethodAES256} {
		c, err := NewCipher("test-secret", method)
		require.NoError(t, err, method)

		sealed, err := c.Encrypt([]byte("mail_1700000000_abc.json"))
		require.NoError(t, err)
		assert.NotContains(t, sealed, "mail_1700000000")

		opened, err := c.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "mail_1700000000_abc.json", string(opened))
	}
}

func TestCipherNonceVaries(t *testing.T) {
	c, err := NewCipher("test-secret", MethodAES128)
	require.NoError(t, err)

	first, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)
	second, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestCipherDecryptFailures(t *testing.T) {
	c, err := NewCipher("test-secret", MethodAES128)
	require.NoError(t, err)

	for _, input := range []string{"", "not base64!!", "aGVsbG8=", "c2hvcnQ="} {
		_, err := c.Decrypt(input)
		assert.True(t, errors.Is(err, ErrDecrypt), "input %q", input)
	}

	other, err := NewCipher("different-secret", MethodAES128)
	require.NoError(t, err)
	sealed, err := other.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = c.Decrypt(sealed)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestNewCipherRejectsBadInput(t *testing.T) {
	_, err := NewCipher("", MethodAES128)
	assert.Error(t, err)

	_, err = NewCipher("secret", "rot13")
	assert.Error(t, err)
}
