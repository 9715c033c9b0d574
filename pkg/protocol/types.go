package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// SchemaVersion is the only request schema this executor accepts.
const SchemaVersion = 1

// SignatureEnvelope names the algorithm and key that produced Signature.
type SignatureEnvelope struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"keyId"`
	Signature string `json:"signature"`
}

// CommandPayload is the signed part of a command request.
type CommandPayload struct {
	SchemaVersion int            `json:"schemaVersion"`
	CommandID     string         `json:"commandId"`
	Nonce         string         `json:"nonce"`
	IssuedAt      time.Time      `json:"issuedAt"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	DeviceID      string         `json:"deviceId"`
	SessionID     string         `json:"sessionId,omitempty"`
	Command       string         `json:"command"`
	Params        map[string]any `json:"params,omitempty"`
}

// SignedCommandRequest is what the caller submits. Payload is kept raw so the
// verifier canonicalizes exactly the bytes that arrived.
type SignedCommandRequest struct {
	Payload   json.RawMessage   `json:"payload"`
	Signature SignatureEnvelope `json:"signature"`
}

// CommandResponse is returned for every command request, successful or not.
type CommandResponse struct {
	SchemaVersion    int             `json:"schemaVersion"`
	CommandID        string          `json:"commandId"`
	OK               bool            `json:"ok"`
	Code             Code            `json:"code"`
	Message          string          `json:"message"`
	ExecutedAt       time.Time       `json:"executedAt"`
	IdempotentReplay bool            `json:"idempotentReplay"`
	Result           json.RawMessage `json:"result,omitempty"`
}

// PolicyUpdatePayload is the signed part of a policy update.
type PolicyUpdatePayload struct {
	Version int64           `json:"version"`
	Policy  json.RawMessage `json:"policy"`
}

// PolicyUpdateRequest carries a new policy document and its signature.
type PolicyUpdateRequest struct {
	Payload   json.RawMessage   `json:"payload"`
	Signature SignatureEnvelope `json:"signature"`
}

// PolicyUpdateResponse reports the outcome of a policy update.
type PolicyUpdateResponse struct {
	OK         bool   `json:"ok"`
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Version    int64  `json:"version"`
	RolledBack bool   `json:"rolledBack"`
}

// DecodeCommandRequest parses a request body.
func DecodeCommandRequest(body []byte) (*SignedCommandRequest, error) {
	var req SignedCommandRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, Wrap(CodeInvalidSchema, err, "malformed request body")
	}
	if len(req.Payload) == 0 {
		return nil, Errorf(CodeInvalidSchema, "missing payload")
	}
	return &req, nil
}

// Decode validates the payload shape and returns it together with the
// canonical bytes the signature must cover.
func (r *SignedCommandRequest) Decode() (*CommandPayload, []byte, error) {
	canon, err := Canonicalize(r.Payload)
	if err != nil {
		return nil, nil, Wrap(CodeInvalidSchema, err, "payload is not canonicalizable JSON")
	}

	dec := json.NewDecoder(bytes.NewReader(canon))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	var p CommandPayload
	if err := dec.Decode(&p); err != nil {
		return nil, nil, Wrap(CodeInvalidSchema, err, "payload does not match schema")
	}
	if err := p.validate(); err != nil {
		return nil, nil, err
	}
	return &p, canon, nil
}

func (p *CommandPayload) validate() error {
	if p.SchemaVersion != SchemaVersion {
		return Errorf(CodeInvalidSchema, "unsupported schemaVersion %d", p.SchemaVersion)
	}
	missing := []string{}
	if strings.TrimSpace(p.CommandID) == "" {
		missing = append(missing, "commandId")
	}
	if p.Nonce == "" {
		missing = append(missing, "nonce")
	}
	if p.DeviceID == "" {
		missing = append(missing, "deviceId")
	}
	if p.Command == "" {
		missing = append(missing, "command")
	}
	if p.IssuedAt.IsZero() {
		missing = append(missing, "issuedAt")
	}
	if p.ExpiresAt.IsZero() {
		missing = append(missing, "expiresAt")
	}
	if len(missing) > 0 {
		return Errorf(CodeInvalidSchema, "missing required fields: %s", strings.Join(missing, ", "))
	}
	if len(p.CommandID) > 128 || len(p.Nonce) > 128 || len(p.DeviceID) > 128 || len(p.SessionID) > 128 {
		return Errorf(CodeInvalidSchema, "identifier exceeds 128 bytes")
	}
	if p.ExpiresAt.Before(p.IssuedAt) {
		return Errorf(CodeInvalidSchema, "expiresAt precedes issuedAt")
	}

	params := make(map[string]any, len(p.Params))
	for k, v := range p.Params {
		switch t := v.(type) {
		case string, bool:
			params[k] = t
		case json.Number:
			n, err := t.Int64()
			if err != nil {
				return &Error{Code: CodeInvalidSchema, Field: k, Message: "numeric parameter out of range", Err: err}
			}
			params[k] = n
		default:
			return FieldError(CodeInvalidSchema, k, "parameters must be strings, booleans or integers")
		}
	}
	p.Params = params
	return nil
}

// OperationHash identifies the logical operation behind a commandId. Fields
// that legitimately change between retries (nonce, validity window, session)
// are excluded.
func OperationHash(p *CommandPayload) (string, error) {
	op := struct {
		SchemaVersion int            `json:"schemaVersion"`
		DeviceID      string         `json:"deviceId"`
		Command       string         `json:"command"`
		Params        map[string]any `json:"params"`
	}{
		SchemaVersion: p.SchemaVersion,
		DeviceID:      p.DeviceID,
		Command:       p.Command,
		Params:        p.Params,
	}
	if op.Params == nil {
		op.Params = map[string]any{}
	}
	canon, err := CanonicalizeValue(op)
	if err != nil {
		return "", err
	}
	return Digest(canon), nil
}

// DecodePolicyUpdate parses a policy update body.
func DecodePolicyUpdate(body []byte) (*PolicyUpdateRequest, error) {
	var req PolicyUpdateRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, Wrap(CodeInvalidSchema, err, "malformed policy update body")
	}
	if len(req.Payload) == 0 {
		return nil, Errorf(CodeInvalidSchema, "missing payload")
	}
	return &req, nil
}
