package nips

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vectors from NIP-19
const (
	vectorPubHex = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	vectorNpub   = "npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6"
	vectorSecHex = "67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa"
	vectorNsec   = "nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5"
)

func TestEncodeKnownVectors(t *testing.T) {
	npub, err := EncodePubkey(vectorPubHex)
	require.NoError(t, err)
	assert.Equal(t, vectorNpub, npub)

	nsec, err := EncodeHex("nsec", vectorSecHex)
	require.NoError(t, err)
	assert.Equal(t, vectorNsec, nsec)
}

func TestDecodeKnownVectors(t *testing.T) {
	pub, err := DecodeHex("npub", vectorNpub)
	require.NoError(t, err)
	assert.Equal(t, vectorPubHex, pub)

	sec, err := DecodeHex("nsec", vectorNsec)
	require.NoError(t, err)
	assert.Equal(t, vectorSecHex, sec)
}

func TestDecodeRejects(t *testing.T) {
	_, err := DecodeHex("nsec", vectorNpub)
	assert.ErrorIs(t, err, ErrWrongPrefix)

	// flip the last checksum character
	broken := vectorNpub[:len(vectorNpub)-1] + "q"
	_, err = DecodeHex("npub", broken)
	assert.Error(t, err)

	_, err = DecodeHex("npub", "npub1")
	assert.ErrorIs(t, err, ErrInvalidBech32)

	_, err = DecodeHex("npub", "npub1bbbbbbbbbbbbbbb")
	assert.Error(t, err)
}

func TestNormalizeHex(t *testing.T) {
	got, err := NormalizeHex("npub", vectorNpub)
	require.NoError(t, err)
	assert.Equal(t, vectorPubHex, got)

	got, err = NormalizeHex("npub", strings.ToUpper(vectorPubHex))
	require.NoError(t, err)
	assert.Equal(t, vectorPubHex, got)

	_, err = NormalizeHex("npub", "abc")
	assert.ErrorIs(t, err, ErrInvalidBech32)

	_, err = NormalizeHex("npub", strings.Repeat("z", 64))
	assert.Error(t, err)
}

func TestEventIDRoundTrip(t *testing.T) {
	note, err := EncodeEventID(vectorPubHex)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(note, "note1"))

	back, err := NormalizeHex("note", note)
	require.NoError(t, err)
	assert.Equal(t, vectorPubHex, back)
}
