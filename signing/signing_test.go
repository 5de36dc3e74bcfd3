package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/store/memstore"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return NewSigner(priv, SignerInfo{Name: "Test signer", URL: "https://oatscenter.org"})
}

func testDoc() map[string]interface{} {
	return map[string]interface{}{
		"_id":   "resources/DOC1",
		"_rev":  float64(4),
		"_type": "application/vnd.trellisfw.coi.accord.1+json",
		"_meta": map[string]interface{}{"_id": "resources/DOC1/_meta"},
		"holder": map[string]interface{}{
			"name": "Acme Foods",
		},
		"policies": []interface{}{"gl", "auto"},
	}
}

func TestSignAndVerify(t *testing.T) {
	s := testSigner(t)
	signed, err := s.Sign(testDoc(), "transcription")
	require.NoError(t, err)
	require.Len(t, signed[SignaturesKey], 1)

	v, err := Verify(signed, []string{s.DID})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "transcription", v.Type)
	assert.Equal(t, s.DID, v.Kid)
	assert.True(t, v.Valid)
	assert.True(t, v.Unchanged)
	assert.True(t, v.Trusted)
	assert.Nil(t, v.Original)
}

func TestSignDoesNotMutateInput(t *testing.T) {
	doc := testDoc()
	_, err := testSigner(t).Sign(doc, "transcription")
	require.NoError(t, err)
	assert.NotContains(t, doc, SignaturesKey)
}

func TestVerifyUnsigned(t *testing.T) {
	v, err := Verify(testDoc(), nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestVerifyDetectsChanges(t *testing.T) {
	s := testSigner(t)
	signed, err := s.Sign(testDoc(), "transcription")
	require.NoError(t, err)

	signed["holder"] = map[string]interface{}{"name": "Someone Else"}
	v, err := Verify(signed, nil)
	require.NoError(t, err)
	assert.True(t, v.Valid, "signature still matches its recorded hash")
	assert.False(t, v.Unchanged)
	assert.False(t, v.Trusted)
}

func TestReservedFieldsAreNotSigned(t *testing.T) {
	s := testSigner(t)
	signed, err := s.Sign(testDoc(), "transcription")
	require.NoError(t, err)

	signed["_rev"] = float64(99)
	signed["_meta"] = map[string]interface{}{"vdoc": "changed"}
	v, err := Verify(signed, nil)
	require.NoError(t, err)
	assert.True(t, v.Unchanged)
}

func TestVerifyDetectsForgedValue(t *testing.T) {
	s := testSigner(t)
	signed, err := s.Sign(testDoc(), "transcription")
	require.NoError(t, err)

	sig := signed[SignaturesKey].([]interface{})[0].(map[string]interface{})
	sig["value"] = base58.Encode(make([]byte, ed25519.SignatureSize))
	v, err := Verify(signed, nil)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestChainRewrapping(t *testing.T) {
	first := testSigner(t)
	second := testSigner(t)

	once, err := first.Sign(testDoc(), "transcription")
	require.NoError(t, err)
	twice, err := second.Sign(once, "approval")
	require.NoError(t, err)
	require.Len(t, twice[SignaturesKey], 2)

	v, err := Verify(twice, []string{first.DID})
	require.NoError(t, err)
	assert.Equal(t, "approval", v.Type)
	assert.False(t, v.Trusted)
	require.NotNil(t, v.Original)
	assert.Equal(t, "transcription", v.Original.Type)
	assert.True(t, v.Original.Trusted)
	assert.True(t, v.Original.Valid)
	assert.True(t, v.Original.Unchanged)

	assert.True(t, HasType(v, "transcription"))
	assert.True(t, HasType(v, "approval"))
	assert.False(t, HasType(v, "audit"))
	assert.False(t, HasType(nil, "transcription"))
}

func TestMalformedChain(t *testing.T) {
	doc := testDoc()
	doc[SignaturesKey] = "nope"
	_, err := Verify(doc, nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	doc[SignaturesKey] = []interface{}{"not an object"}
	_, err = Verify(doc, nil)
	assert.Error(t, err)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"b": 1, "a": map[string]interface{}{"d": 1, "c": 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":2,"d":1},"b":1}`, string(a))

	b, err := CanonicalJSON(struct {
		B int `json:"b"`
		A int `json:"a"`
	}{B: 1, A: 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(b))
}

func TestDIDKeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	did := EncodeDIDKey(pub)
	assert.Contains(t, did, "did:key:z")
	decoded, err := DecodeDIDKey(did)
	require.NoError(t, err)
	assert.Equal(t, pub, decoded)

	for _, bad := range []string{"did:web:example.com", "did:key:z0OIl", "did:key:z" + base58.Encode([]byte{0xed, 0x01, 1})} {
		_, err := DecodeDIDKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseKey(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	want := ed25519.NewKeyFromSeed(seed)

	for name, text := range map[string]string{
		"hex seed":    hex.EncodeToString(seed) + "\n",
		"base58 seed": base58.Encode(seed),
		"hex key":     hex.EncodeToString(want),
	} {
		got, err := ParseKey([]byte(text))
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err = ParseKey([]byte("abcd"))
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600))

	key, err := LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, ed25519.NewKeyFromSeed(seed), key)

	_, err = LoadKey(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestServiceSignsOnce(t *testing.T) {
	ctx := context.Background()
	client := memstore.New(zap.NewNop().Sugar())
	loc, err := client.Post(ctx, store.ResourcesPath, map[string]interface{}{"holder": "Acme"})
	require.NoError(t, err)

	s := testSigner(t)
	svc := NewService(client, s, "transcription", []string{s.DID}, zap.NewNop().Sugar())

	added, err := svc.SignResource(ctx, loc)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = svc.SignResource(ctx, loc)
	require.NoError(t, err)
	assert.False(t, added)

	doc, err := store.GetObject(ctx, client, loc)
	require.NoError(t, err)
	assert.Len(t, doc[SignaturesKey], 1)
	assert.Equal(t, "Acme", doc["holder"])

	v, err := svc.VerifyResource(ctx, loc)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.True(t, v.Unchanged)
	assert.True(t, v.Trusted)
}

func TestServiceDetectsWrappedSignature(t *testing.T) {
	ctx := context.Background()
	client := memstore.New(zap.NewNop().Sugar())
	loc, err := client.Post(ctx, store.ResourcesPath, map[string]interface{}{"holder": "Acme"})
	require.NoError(t, err)

	transcriber := NewService(client, testSigner(t), "transcription", nil, zap.NewNop().Sugar())
	approver := NewService(client, testSigner(t), "approval", nil, zap.NewNop().Sugar())

	_, err = transcriber.SignResource(ctx, loc)
	require.NoError(t, err)
	_, err = approver.SignResource(ctx, loc)
	require.NoError(t, err)

	// The transcription signature is now wrapped by the approval one
	added, err := transcriber.SignResource(ctx, loc)
	require.NoError(t, err)
	assert.False(t, added)

	doc, err := store.GetObject(ctx, client, loc)
	require.NoError(t, err)
	assert.Len(t, doc[SignaturesKey], 2)
}

func TestServiceFetchFailure(t *testing.T) {
	client := memstore.New(zap.NewNop().Sugar())
	svc := NewService(client, testSigner(t), "transcription", nil, zap.NewNop().Sugar())

	_, err := svc.SignResource(context.Background(), "/resources/missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDocumentFetch))
}
