package executor

import (
	"time"

	"github.com/haasonsaas/warden/pkg/protocol"
	"github.com/haasonsaas/warden/pkg/session"
)

// Session commands are answered by the executor itself. They are not in the
// policy command table: a session grants nothing until a session-bearing
// command is authorized on its own.
const (
	CommandBeginSession = "begin_session"
	CommandHeartbeat    = "heartbeat"
	CommandEndSession   = "end_session"
)

var builtins = map[string]func(*Executor, *protocol.CommandPayload) (map[string]any, error){
	CommandBeginSession: (*Executor).beginSession,
	CommandHeartbeat:    (*Executor).heartbeat,
	CommandEndSession:   (*Executor).endSession,
}

// IsBuiltin reports whether command is handled without a backend.
func IsBuiltin(command string) bool {
	_, ok := builtins[command]
	return ok
}

func sessionResult(r session.Record) map[string]any {
	return map[string]any{
		"sessionId": r.ID,
		"state":     string(r.State),
		"expiresAt": r.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

func (x *Executor) beginSession(p *protocol.CommandPayload) (map[string]any, error) {
	rec := x.sessions.Begin(p.DeviceID)
	x.log.Info().Str("device_id", p.DeviceID).Str("session_id", rec.ID).Msg("session started")
	return sessionResult(rec), nil
}

func (x *Executor) heartbeat(p *protocol.CommandPayload) (map[string]any, error) {
	if p.SessionID == "" {
		return nil, protocol.Errorf(protocol.CodeSessionRequired, "heartbeat requires a sessionId")
	}
	rec, err := x.sessions.Heartbeat(p.DeviceID, p.SessionID)
	if err != nil {
		return nil, err
	}
	return sessionResult(rec), nil
}

func (x *Executor) endSession(p *protocol.CommandPayload) (map[string]any, error) {
	if p.SessionID == "" {
		return nil, protocol.Errorf(protocol.CodeSessionRequired, "end_session requires a sessionId")
	}
	rec, err := x.sessions.End(p.DeviceID, p.SessionID)
	if err != nil {
		return nil, err
	}
	x.log.Info().Str("device_id", p.DeviceID).Str("session_id", rec.ID).Msg("session ended")
	return sessionResult(rec), nil
}
