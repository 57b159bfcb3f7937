package signer

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalcPaddedLen(t *testing.T) {
	testCases := []struct{ in, want int }{
		{1, 32}, {16, 32}, {32, 32}, {33, 64}, {37, 64}, {64, 64},
		{65, 96}, {100, 128}, {200, 224}, {250, 256}, {320, 320},
		{384, 384}, {400, 448}, {512, 512}, {515, 640}, {1020, 1024},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, calcPaddedLen(tc.in), "len %d", tc.in)
	}
}

func TestConversationKeyIsSymmetric(t *testing.T) {
	a, err := GeneratePrivateKey()
	require.NoError(t, err)
	b, err := GeneratePrivateKey()
	require.NoError(t, err)

	ab, err := GetConversationKey(a, PublicKeyFromSecret(b))
	require.NoError(t, err)
	ba, err := GetConversationKey(b, PublicKeyFromSecret(a))
	require.NoError(t, err)
	assert.Len(t, ab, 32)
	assert.Equal(t, ab, ba)

	_, err = GetConversationKey(a, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestNip44RoundTrip(t *testing.T) {
	a, _ := GeneratePrivateKey()
	b, _ := GeneratePrivateKey()
	key, err := GetConversationKey(a, PublicKeyFromSecret(b))
	require.NoError(t, err)

	for _, msg := range []string{
		"a",
		`{"id":"1","method":"sign_event","params":["{}"]}`,
		"unicode 📚 <tags> & more",
		strings.Repeat("x", 5000),
	} {
		payload, err := Nip44Encrypt(msg, key)
		require.NoError(t, err)

		raw, err := base64.StdEncoding.DecodeString(payload)
		require.NoError(t, err)
		assert.Equal(t, byte(2), raw[0])
		assert.Len(t, raw, 1+32+2+calcPaddedLen(len(msg))+32)

		plain, err := Nip44Decrypt(payload, key)
		require.NoError(t, err)
		assert.Equal(t, msg, plain)
	}
}

func TestNip44RejectsTamperingAndWrongKey(t *testing.T) {
	a, _ := GeneratePrivateKey()
	b, _ := GeneratePrivateKey()
	c, _ := GeneratePrivateKey()
	key, _ := GetConversationKey(a, PublicKeyFromSecret(b))
	other, _ := GetConversationKey(a, PublicKeyFromSecret(c))

	payload, err := Nip44Encrypt("secret request", key)
	require.NoError(t, err)

	_, err = Nip44Decrypt(payload, other)
	assert.Error(t, err)

	raw, _ := base64.StdEncoding.DecodeString(payload)
	raw[40] ^= 0xff
	_, err = Nip44Decrypt(base64.StdEncoding.EncodeToString(raw), key)
	assert.Error(t, err)

	_, err = Nip44Decrypt("#unsupported", key)
	assert.Error(t, err)
	_, err = Nip44Decrypt("not base64!", key)
	assert.Error(t, err)

	_, err = Nip44Encrypt("", key)
	assert.Error(t, err)
}
