package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Signer produces signatures for one key.
type Signer interface {
	Algorithm() string
	KeyID() string
	Sign(message []byte) ([]byte, error)
}

// Identity is an ed25519 signing key held by a caller or policy operator.
type Identity struct {
	ID         string             `json:"key_id"`
	DeviceID   string             `json:"device_id,omitempty"`
	PublicKey  ed25519.PublicKey  `json:"-"`
	PrivateKey ed25519.PrivateKey `json:"-"`
}

// GenerateIdentity creates a new Ed25519 keypair
func GenerateIdentity(keyID string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &Identity{
		ID:         keyID,
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// Save stores the identity to disk with 0600 permissions
func (i *Identity) Save(path string) error {
	data := map[string]string{
		"key_id":      i.ID,
		"device_id":   i.DeviceID,
		"algorithm":   AlgorithmEd25519,
		"public_key":  base64.StdEncoding.EncodeToString(i.PublicKey),
		"private_key": base64.StdEncoding.EncodeToString(i.PrivateKey),
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	return os.WriteFile(path, jsonData, 0o600)
}

// LoadIdentity reads an identity written by Save.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var stored map[string]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	if alg := stored["algorithm"]; alg != "" && alg != AlgorithmEd25519 {
		return nil, fmt.Errorf("unsupported identity algorithm %q", alg)
	}

	pubBytes, err := base64.StdEncoding.DecodeString(stored["public_key"])
	if err != nil {
		return nil, err
	}
	privBytes, err := base64.StdEncoding.DecodeString(stored["private_key"])
	if err != nil {
		return nil, err
	}
	if len(pubBytes) != ed25519.PublicKeySize || len(privBytes) != ed25519.PrivateKeySize {
		return nil, errors.New("identity key material has the wrong size")
	}

	return &Identity{
		ID:         stored["key_id"],
		DeviceID:   stored["device_id"],
		PublicKey:  ed25519.PublicKey(pubBytes),
		PrivateKey: ed25519.PrivateKey(privBytes),
	}, nil
}

func (i *Identity) Algorithm() string { return AlgorithmEd25519 }

func (i *Identity) KeyID() string { return i.ID }

func (i *Identity) Sign(message []byte) ([]byte, error) {
	if len(i.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("identity has no private key")
	}
	return ed25519.Sign(i.PrivateKey, message), nil
}

// PublicKeyB64 is the form policy documents carry.
func (i *Identity) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(i.PublicKey)
}
