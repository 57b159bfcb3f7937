// Package signer provides the signing capability the core depends on.
// The core never builds signatures itself; it asks a Signer.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"bookstr/internal/nips"
	"bookstr/internal/nostr"
	"bookstr/internal/types"
)

// Signer turns unsigned events into signed ones for one identity
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, event types.UnsignedEvent) (*types.Event, error)
}

var ErrNoSecretKey = errors.New("no secret key available")

// LocalSigner signs with a secp256k1 key held in memory
type LocalSigner struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// NewLocalSigner creates a signer from a hex or nsec secret key
func NewLocalSigner(secret string) (*LocalSigner, error) {
	if secret == "" {
		return nil, ErrNoSecretKey
	}
	secretHex, err := nips.NormalizeHex("nsec", secret)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	keyBytes, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return newLocalSigner(keyBytes), nil
}

// GenerateLocalSigner creates a signer for a fresh random key
func GenerateLocalSigner() (*LocalSigner, error) {
	keyBytes, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newLocalSigner(keyBytes), nil
}

func newLocalSigner(keyBytes []byte) *LocalSigner {
	priv, pub := btcec.PrivKeyFromBytes(keyBytes)
	return &LocalSigner{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}
}

// GetPublicKey returns the x-only public key in hex
func (s *LocalSigner) GetPublicKey(ctx context.Context) (string, error) {
	return s.pubHex, nil
}

// SecretKey returns the raw 32-byte secret key
func (s *LocalSigner) SecretKey() []byte {
	return s.priv.Serialize()
}

// SignEvent fills in pubkey, id and signature
func (s *LocalSigner) SignEvent(ctx context.Context, unsigned types.UnsignedEvent) (*types.Event, error) {
	tags := unsigned.Tags
	if tags == nil {
		tags = [][]string{}
	}
	event := &types.Event{
		PubKey:    s.pubHex,
		CreatedAt: unsigned.CreatedAt,
		Kind:      unsigned.Kind,
		Tags:      tags,
		Content:   unsigned.Content,
	}
	event.ID = nostr.ComputeID(event)

	idBytes, err := hex.DecodeString(event.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid event id: %w", err)
	}
	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	event.Sig = hex.EncodeToString(sig.Serialize())
	return event, nil
}
