// Package audit records one entry per terminal request outcome.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/warden/pkg/protocol"
)

const (
	KindCommand      = "command"
	KindPolicyUpdate = "policy_update"
)

// Entry is one line of audit.jsonl. It never carries secret parameters.
type Entry struct {
	Timestamp        time.Time         `json:"timestamp"`
	Kind             string            `json:"kind"`
	CommandID        string            `json:"commandId"`
	Command          string            `json:"command"`
	DeviceID         string            `json:"deviceId"`
	SessionID        string            `json:"sessionId,omitempty"`
	Code             protocol.Code     `json:"code"`
	Message          string            `json:"message,omitempty"`
	IdempotentReplay bool              `json:"idempotentReplay"`
	PolicyVersion    int64             `json:"policyVersion"`
	ParamsDigest     string            `json:"paramsDigest,omitempty"`
	RequestID        string            `json:"requestId,omitempty"`
	OutcomeMetadata  map[string]string `json:"outcomeMetadata,omitempty"`
}

// Sink stores entries. Append must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Hasher derives keyed digests of request parameters so entries can be
// correlated without storing parameter values.
type Hasher struct {
	salt []byte
}

func NewHasher(salt []byte) Hasher {
	return Hasher{salt: append([]byte(nil), salt...)}
}

// ParamsDigest hashes the canonical JSON of params with HMAC-SHA256.
func (h Hasher) ParamsDigest(params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	canon, err := protocol.CanonicalizeValue(params)
	if err != nil {
		return ""
	}
	mac := hmac.New(sha256.New, h.salt)
	mac.Write(canon)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

var secretMarkers = []string{"password", "secret", "token", "key", "credential"}

// Redact copies md, replacing the values of keys that look secret.
func Redact(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		lk := strings.ToLower(k)
		for _, m := range secretMarkers {
			if strings.Contains(lk, m) {
				v = "[REDACTED]"
				break
			}
		}
		out[k] = v
	}
	return out
}

// Logger stamps and redacts entries before handing them to a Sink.
type Logger struct {
	sink   Sink
	hasher Hasher
	now    func() time.Time
	log    zerolog.Logger
}

func NewLogger(sink Sink, hasher Hasher, logger zerolog.Logger) *Logger {
	return &Logger{
		sink:   sink,
		hasher: hasher,
		now:    time.Now,
		log:    logger.With().Str("component", "audit").Logger(),
	}
}

func (l *Logger) Hasher() Hasher { return l.hasher }

// Record appends e. A sink failure is logged and returned; it never changes
// the outcome already decided for the request.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	e.OutcomeMetadata = Redact(e.OutcomeMetadata)
	if err := l.sink.Append(ctx, e); err != nil {
		l.log.Error().Err(err).
			Str("command_id", e.CommandID).
			Str("code", string(e.Code)).
			Msg("audit append failed")
		return err
	}
	return nil
}
