// Package signing signs trellis documents with ed25519 and verifies their
// signature chains.
//
// A document's "signatures" array is a chain: each signature covers the
// document body together with every signature that preceded it, so
// verifying the last signature yields a Verification whose Original field
// is the verification of the chain before it.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/store"
)

// SignaturesKey is the document field holding the signature chain
const SignaturesKey = "signatures"

// Alg is the JOSE name of the signature algorithm
const Alg = "EdDSA"

// SignerInfo identifies the signing party in a signature
type SignerInfo struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Signature is one entry of a document's signature chain
type Signature struct {
	Type   string     `json:"type"`
	Alg    string     `json:"alg"`
	Kid    string     `json:"kid"`
	Hash   string     `json:"hash"`
	Value  string     `json:"value"`
	Signer SignerInfo `json:"signer"`
	Time   string     `json:"time"`
}

// Verification describes the last signature of a chain
type Verification struct {
	Type string `json:"type"`
	Kid  string `json:"kid"`
	// Valid: the signature value verifies against its recorded hash
	Valid bool `json:"valid"`
	// Unchanged: the recorded hash matches the document as it is now
	Unchanged bool `json:"unchanged"`
	// Trusted: the signing key is in the trusted list
	Trusted  bool          `json:"trusted"`
	Details  string        `json:"details,omitempty"`
	Original *Verification `json:"original,omitempty"`
}

// Signer holds a signing identity
type Signer struct {
	PrivateKey ed25519.PrivateKey
	DID        string
	Info       SignerInfo
	now        func() time.Time
}

// NewSigner derives the did:key identity of key
func NewSigner(key ed25519.PrivateKey, info SignerInfo) *Signer {
	return &Signer{
		PrivateKey: key,
		DID:        EncodeDIDKey(key.Public().(ed25519.PublicKey)),
		Info:       info,
		now:        time.Now,
	}
}

// Sign returns a copy of doc with a new signature of sigType appended to
// its chain. It does not check for an existing signature; see HasType.
func (s *Signer) Sign(doc map[string]interface{}, sigType string) (map[string]interface{}, error) {
	chain, err := chainOf(doc)
	if err != nil {
		return nil, err
	}

	hash, err := bodyHash(doc, chain)
	if err != nil {
		return nil, err
	}

	sig := Signature{
		Type:   sigType,
		Alg:    Alg,
		Kid:    s.DID,
		Hash:   hash,
		Value:  base58.Encode(ed25519.Sign(s.PrivateKey, []byte(hash))),
		Signer: s.Info,
		Time:   s.now().UTC().Format(time.RFC3339),
	}
	encoded, err := toJSONValue(sig)
	if err != nil {
		return nil, err
	}

	out := make(map[string]interface{}, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	next := make([]interface{}, 0, len(chain)+1)
	next = append(next, chain...)
	out[SignaturesKey] = append(next, encoded)
	return out, nil
}

// Verify checks the signature chain of doc. It returns nil when the
// document carries no signatures.
func Verify(doc map[string]interface{}, trusted []string) (*Verification, error) {
	chain, err := chainOf(doc)
	if err != nil {
		return nil, err
	}
	return verifyChain(doc, chain, trusted)
}

func verifyChain(doc map[string]interface{}, chain []interface{}, trusted []string) (*Verification, error) {
	if len(chain) == 0 {
		return nil, nil
	}
	last := chain[len(chain)-1]
	prev := chain[:len(chain)-1]

	var sig Signature
	if err := fromJSONValue(last, &sig); err != nil {
		return nil, errors.Wrapf(err, "signature %d is malformed", len(chain)-1)
	}

	v := &Verification{Type: sig.Type, Kid: sig.Kid}
	for _, did := range trusted {
		if did == sig.Kid {
			v.Trusted = true
			break
		}
	}

	hash, err := bodyHash(doc, prev)
	if err != nil {
		return nil, err
	}
	v.Unchanged = hash == sig.Hash

	switch pub, err := DecodeDIDKey(sig.Kid); {
	case err != nil:
		v.Details = err.Error()
	default:
		raw, err := base58.Decode(sig.Value)
		if err != nil {
			v.Details = "signature value is not base58"
			break
		}
		v.Valid = ed25519.Verify(pub, []byte(sig.Hash), raw)
	}

	v.Original, err = verifyChain(doc, prev, trusted)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// HasType reports whether v or any verification in its Original chain
// has the given signature type.
func HasType(v *Verification, sigType string) bool {
	for ; v != nil; v = v.Original {
		if v.Type == sigType {
			return true
		}
	}
	return false
}

func chainOf(doc map[string]interface{}) ([]interface{}, error) {
	raw, ok := doc[SignaturesKey]
	if !ok || raw == nil {
		return nil, nil
	}
	chain, ok := raw.([]interface{})
	if !ok {
		return nil, errors.NewInvalidRequestError("%s is %T, not an array", SignaturesKey, raw)
	}
	return chain, nil
}

// bodyHash is the sha256 of the canonical document body with the chain
// replaced by prefix
func bodyHash(doc map[string]interface{}, prefix []interface{}) (string, error) {
	body := store.StripReserved(doc)
	delete(body, SignaturesKey)
	if len(prefix) > 0 {
		body[SignaturesKey] = prefix
	}
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON encodes v with object keys sorted at every level.
//
// v is first brought to its generic JSON form, so structs and the maps
// read back from the store encode identically.
func CanonicalJSON(v interface{}) ([]byte, error) {
	generic, err := toJSONValue(v)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode canonical JSON")
	}
	return out, nil
}

func toJSONValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode")
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "failed to decode")
	}
	return out, nil
}

func fromJSONValue(v interface{}, dst interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

const didKeyPrefix = "did:key:z"

// EncodeDIDKey renders pub as did:key:z + base58btc(0xed 0x01 + pubkey)
func EncodeDIDKey(pub ed25519.PublicKey) string {
	buf := make([]byte, 2+len(pub))
	buf[0] = 0xed
	buf[1] = 0x01
	copy(buf[2:], pub)
	return didKeyPrefix + base58.Encode(buf)
}

// DecodeDIDKey extracts the ed25519 public key from a did:key:z... identifier
func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, errors.Newf("invalid did:key format: %s", did)
	}
	decoded, err := base58.Decode(did[len(didKeyPrefix):])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to base58-decode did:key %s", did)
	}
	if len(decoded) != 34 {
		return nil, errors.Newf("unexpected decoded length %d for did:key %s (expected 34)", len(decoded), did)
	}
	if decoded[0] != 0xed || decoded[1] != 0x01 {
		return nil, errors.Newf("unexpected multicodec prefix [%x %x] for did:key %s", decoded[0], decoded[1], did)
	}
	return ed25519.PublicKey(decoded[2:]), nil
}

// ParseKey reads a private key given as a 32-byte seed or a 64-byte key,
// encoded as hex or base58
func ParseKey(data []byte) (ed25519.PrivateKey, error) {
	text := strings.TrimSpace(string(data))
	raw, err := hex.DecodeString(text)
	if err != nil {
		raw, err = base58.Decode(text)
		if err != nil {
			return nil, errors.New("key is neither hex nor base58")
		}
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, errors.Newf("key is %d bytes, want %d or %d", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// LoadKey reads a private key file
func LoadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read signing key %s", path)
	}
	key, err := ParseKey(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid signing key %s", path)
	}
	return key, nil
}
