package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/warden/pkg/protocol"
)

const (
	AlgorithmEd25519   = "ed25519"
	AlgorithmECDSAP256 = "ecdsa-p256-sha256"
)

// Algorithm is one signature scheme the verifier understands.
type Algorithm interface {
	Name() string
	ParsePublicKey(raw []byte) (crypto.PublicKey, error)
	Verify(pub crypto.PublicKey, message, sig []byte) bool
}

// PublicKey is a trusted key bound to the algorithm it may be used with.
type PublicKey struct {
	ID        string
	Algorithm string
	Key       crypto.PublicKey
}

// KeySet maps keyId to key.
type KeySet map[string]PublicKey

// IDs returns the key ids in sorted order.
func (k KeySet) IDs() []string {
	ids := make([]string, 0, len(k))
	for id := range k {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry maps algorithm names to implementations. Call sites only ever go
// through Verify, so adding a scheme is a Register call.
type Registry struct {
	mu   sync.RWMutex
	algs map[string]Algorithm
}

func NewRegistry(algs ...Algorithm) *Registry {
	r := &Registry{algs: make(map[string]Algorithm)}
	for _, a := range algs {
		r.Register(a)
	}
	return r
}

// DefaultRegistry knows ed25519 and ECDSA P-256.
func DefaultRegistry() *Registry {
	return NewRegistry(Ed25519{}, ECDSAP256{})
}

func (r *Registry) Register(a Algorithm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.algs[a.Name()] = a
}

func (r *Registry) Lookup(name string) (Algorithm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.algs[name]
	return a, ok
}

// ParseKey decodes a base64 public key for the named algorithm.
func (r *Registry) ParseKey(id, algorithm, keyB64 string) (PublicKey, error) {
	alg, ok := r.Lookup(algorithm)
	if !ok {
		return PublicKey{}, fmt.Errorf("key %q: unsupported algorithm %q", id, algorithm)
	}
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return PublicKey{}, fmt.Errorf("key %q: invalid base64: %w", id, err)
	}
	pub, err := alg.ParsePublicKey(raw)
	if err != nil {
		return PublicKey{}, fmt.Errorf("key %q: %w", id, err)
	}
	return PublicKey{ID: id, Algorithm: algorithm, Key: pub}, nil
}

// Verify checks env over message against keys.
func (r *Registry) Verify(message []byte, env protocol.SignatureEnvelope, keys KeySet) error {
	alg, ok := r.Lookup(env.Algorithm)
	if !ok {
		return protocol.Errorf(protocol.CodeUnsupportedSignatureAlgorithm, "signature algorithm %q is not supported", env.Algorithm)
	}
	key, ok := keys[env.KeyID]
	if !ok {
		return protocol.Errorf(protocol.CodeInvalidSignature, "unknown key id %q", env.KeyID)
	}
	if key.Algorithm != env.Algorithm {
		return protocol.Errorf(protocol.CodeInvalidSignature, "key %q is not a %s key", env.KeyID, env.Algorithm)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return protocol.Wrap(protocol.CodeInvalidSignature, err, "invalid signature encoding")
	}
	if !alg.Verify(key.Key, message, sig) {
		return protocol.Errorf(protocol.CodeInvalidSignature, "signature verification failed")
	}
	return nil
}

// Ed25519 keys are the raw 32-byte public key.
type Ed25519 struct{}

func (Ed25519) Name() string { return AlgorithmEd25519 }

func (Ed25519) ParsePublicKey(raw []byte) (crypto.PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(append([]byte(nil), raw...)), nil
}

func (Ed25519) Verify(pub crypto.PublicKey, message, sig []byte) bool {
	k, ok := pub.(ed25519.PublicKey)
	if !ok {
		return false
	}
	return ed25519.Verify(k, message, sig)
}

// ECDSAP256 keys are DER SPKI; signatures are ASN.1 over SHA-256.
type ECDSAP256 struct{}

func (ECDSAP256) Name() string { return AlgorithmECDSAP256 }

func (ECDSAP256) ParsePublicKey(raw []byte) (crypto.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, err
	}
	k, ok := pub.(*ecdsa.PublicKey)
	if !ok || k.Curve != elliptic.P256() {
		return nil, errors.New("expected ECDSA P-256 key")
	}
	return k, nil
}

func (ECDSAP256) Verify(pub crypto.PublicKey, message, sig []byte) bool {
	k, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return false
	}
	hash := sha256.Sum256(message)
	return ecdsa.VerifyASN1(k, hash[:], sig)
}
