package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/warden/pkg/protocol"
)

// SignCommand canonicalizes p, signs it and returns the request envelope.
func SignCommand(s Signer, p *protocol.CommandPayload) (*protocol.SignedCommandRequest, error) {
	canon, err := protocol.CanonicalizeValue(p)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	env, err := sign(s, canon)
	if err != nil {
		return nil, err
	}
	return &protocol.SignedCommandRequest{Payload: canon, Signature: env}, nil
}

// SignPolicyUpdate wraps a policy document in a signed update request.
func SignPolicyUpdate(s Signer, version int64, document []byte) (*protocol.PolicyUpdateRequest, error) {
	if !json.Valid(document) {
		return nil, fmt.Errorf("policy document is not valid JSON")
	}
	payload := protocol.PolicyUpdatePayload{Version: version, Policy: document}
	canon, err := protocol.CanonicalizeValue(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize policy update: %w", err)
	}
	env, err := sign(s, canon)
	if err != nil {
		return nil, err
	}
	return &protocol.PolicyUpdateRequest{Payload: canon, Signature: env}, nil
}

func sign(s Signer, message []byte) (protocol.SignatureEnvelope, error) {
	sig, err := s.Sign(message)
	if err != nil {
		return protocol.SignatureEnvelope{}, fmt.Errorf("sign: %w", err)
	}
	return protocol.SignatureEnvelope{
		Algorithm: s.Algorithm(),
		KeyID:     s.KeyID(),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// NewNonce returns 16 random bytes, base64url encoded.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
