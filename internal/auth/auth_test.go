package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier(t *testing.T) {
	hash, err := HashPassword("service-password")
	require.NoError(t, err)

	v := NewVerifier(hash)
	assert.True(t, v.Verify("service-password"))
	assert.False(t, v.Verify("wrong-password"))
	assert.False(t, v.Verify(""))
}

func TestVerifierEmptyHash(t *testing.T) {
	v := NewVerifier("")
	assert.False(t, v.Verify("anything"))
}
