package relaytest

import (
	"context"
	"testing"

	"bookstr/internal/signer"
	"bookstr/internal/types"
)

// Fixed test keys so fixtures are reproducible
const (
	AliceSecret = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"
	BobSecret   = "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9a"
)

// Signer returns a local signer for secretHex, failing the test on error
func Signer(t testing.TB, secretHex string) *signer.LocalSigner {
	t.Helper()
	s, err := signer.NewLocalSigner(secretHex)
	if err != nil {
		t.Fatalf("fixture signer: %v", err)
	}
	return s
}

// PubKey returns the hex public key of s
func PubKey(t testing.TB, s signer.Signer) string {
	t.Helper()
	pk, err := s.GetPublicKey(context.Background())
	if err != nil {
		t.Fatalf("fixture pubkey: %v", err)
	}
	return pk
}

// Sign builds and signs an event, failing the test on error
func Sign(t testing.TB, s signer.Signer, kind int, createdAt int64, content string, tags ...[]string) types.Event {
	t.Helper()
	evt, err := s.SignEvent(context.Background(), types.UnsignedEvent{
		Kind:      kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("fixture sign: %v", err)
	}
	return *evt
}
