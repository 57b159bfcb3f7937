package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"bookstr/internal/types"
)

// Validation errors
var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrBadEventID     = errors.New("event id does not match content")
	ErrBadSignature   = errors.New("event signature invalid")
)

// Serialize returns the NIP-01 canonical form [0,pubkey,created_at,kind,tags,content].
// <, > and & must not be escaped or relays compute a different id.
func Serialize(pubkey string, createdAt int64, kind int, tags [][]string, content string) []byte {
	if tags == nil {
		tags = [][]string{} // tags must be [] not null when empty
	}
	return marshalNoEscape([]interface{}{0, pubkey, createdAt, kind, tags, content})
}

func marshalNoEscape(v interface{}) []byte {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		// only strings, numbers, tag arrays, filters and events pass through here
		panic(err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// ComputeID returns the hex sha256 of the event's canonical serialization
func ComputeID(evt *types.Event) string {
	hash := sha256.Sum256(Serialize(evt.PubKey, evt.CreatedAt, evt.Kind, evt.Tags, evt.Content))
	return hex.EncodeToString(hash[:])
}

// ValidateEventSignature verifies Schnorr signature for a Nostr event
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// ValidateEvent checks shape, id and signature. Events failing it must never
// reach the cache.
func ValidateEvent(evt *types.Event) error {
	if evt == nil || len(evt.ID) != 64 || len(evt.PubKey) != 64 || evt.CreatedAt <= 0 {
		return ErrMalformedEvent
	}
	if ComputeID(evt) != evt.ID {
		return ErrBadEventID
	}
	if !ValidateEventSignature(evt) {
		return ErrBadSignature
	}
	return nil
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
