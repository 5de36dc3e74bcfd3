package testing

import (
	"crypto/ed25519"
	"testing"

	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/signing"
	"github.com/trellisfw/target-helper/store/memstore"
)

// TestSeed is the fixed signing seed of NewTestSigner
var TestSeed = []byte("target-helper-test-signing-seed!")

// NewTestStore returns an empty in-memory store
func NewTestStore(t *testing.T) *memstore.Store {
	t.Helper()
	return memstore.New(zap.NewNop().Sugar())
}

// NewTestSigner returns a signer with a deterministic key
func NewTestSigner(t *testing.T) *signing.Signer {
	t.Helper()
	key := ed25519.NewKeyFromSeed(TestSeed)
	return signing.NewSigner(key, signing.SignerInfo{Name: "Test signer", URL: "https://example.org"})
}
