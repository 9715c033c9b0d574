// Package executor runs signed command requests and policy updates through
// verification, replay protection, idempotency, policy, sessions and
// dispatch, auditing every outcome.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/warden/pkg/audit"
	"github.com/haasonsaas/warden/pkg/auth"
	"github.com/haasonsaas/warden/pkg/dispatch"
	"github.com/haasonsaas/warden/pkg/idempotency"
	"github.com/haasonsaas/warden/pkg/logging"
	"github.com/haasonsaas/warden/pkg/policy"
	"github.com/haasonsaas/warden/pkg/protocol"
	"github.com/haasonsaas/warden/pkg/replay"
	"github.com/haasonsaas/warden/pkg/session"
)

const tracerName = "github.com/haasonsaas/warden/pkg/executor"

// HaltedMessage is returned for every request once dispatch has halted.
const HaltedMessage = "privileged dispatch halted"

// Options wires an Executor. Policies, Updater, Guard, Idempotency, Sessions,
// Backends and Audit are required.
type Options struct {
	Policies    *policy.Store
	Updater     *policy.Updater
	Verifier    *auth.Registry
	Engine      *policy.Engine
	Guard       *replay.Guard
	Idempotency *idempotency.Store
	Sessions    *session.Manager
	Backends    *dispatch.Registry
	Audit       *audit.Logger
	Tracer      trace.Tracer
	Logger      zerolog.Logger
	Now         func() time.Time
}

type Executor struct {
	policies   *policy.Store
	updater    *policy.Updater
	verifier   *auth.Registry
	engine     *policy.Engine
	guard      *replay.Guard
	idem       *idempotency.Store
	sessions   *session.Manager
	backends   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	audit      *audit.Logger
	tracer     trace.Tracer
	log        zerolog.Logger
	now        func() time.Time

	halted atomic.Bool
}

func New(opts Options) (*Executor, error) {
	switch {
	case opts.Policies == nil:
		return nil, errors.New("executor: policy store is required")
	case opts.Updater == nil:
		return nil, errors.New("executor: policy updater is required")
	case opts.Guard == nil:
		return nil, errors.New("executor: replay guard is required")
	case opts.Idempotency == nil:
		return nil, errors.New("executor: idempotency store is required")
	case opts.Sessions == nil:
		return nil, errors.New("executor: session manager is required")
	case opts.Backends == nil:
		return nil, errors.New("executor: backend registry is required")
	case opts.Audit == nil:
		return nil, errors.New("executor: audit logger is required")
	}
	if opts.Verifier == nil {
		opts.Verifier = auth.DefaultRegistry()
	}
	if opts.Engine == nil {
		opts.Engine = policy.NewEngine(nil)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.With().Str("component", "executor").Logger()
	return &Executor{
		policies:   opts.Policies,
		updater:    opts.Updater,
		verifier:   opts.Verifier,
		engine:     opts.Engine,
		guard:      opts.Guard,
		idem:       opts.Idempotency,
		sessions:   opts.Sessions,
		backends:   opts.Backends,
		dispatcher: dispatch.NewDispatcher(opts.Backends, opts.Logger),
		audit:      opts.Audit,
		tracer:     opts.Tracer,
		log:        log,
		now:        opts.Now,
	}, nil
}

// Halted reports whether an unrecoverable policy rollback stopped dispatch.
func (x *Executor) Halted() bool { return x.halted.Load() }

func (x *Executor) halt(err error) {
	if x.halted.CompareAndSwap(false, true) {
		// WithLevel keeps the process alive; the latch is the enforcement.
		x.log.WithLevel(zerolog.FatalLevel).Err(err).Msg("policy integrity lost; privileged dispatch halted until restart")
	}
}

func haltedError() error {
	return protocol.Errorf(protocol.CodeInternalError, HaltedMessage)
}

// ExecuteRaw decodes body and executes it. A body that does not parse still
// gets a response and an audit entry.
func (x *Executor) ExecuteRaw(ctx context.Context, expectedDeviceID string, body []byte) protocol.CommandResponse {
	req, err := protocol.DecodeCommandRequest(body)
	if err != nil {
		ctx, span := x.tracer.Start(ctx, "executor.execute")
		defer span.End()
		entry := audit.Entry{Kind: audit.KindCommand}
		return x.finish(ctx, span, &entry, x.failure("", err))
	}
	return x.Execute(ctx, expectedDeviceID, req)
}

// Execute runs one signed command request. It always returns a response;
// every failure is already mapped to a protocol code.
func (x *Executor) Execute(ctx context.Context, expectedDeviceID string, req *protocol.SignedCommandRequest) protocol.CommandResponse {
	ctx, span := x.tracer.Start(ctx, "executor.execute")
	defer span.End()

	entry := audit.Entry{Kind: audit.KindCommand}
	resp := x.execute(ctx, expectedDeviceID, req, &entry)
	return x.finish(context.WithoutCancel(ctx), span, &entry, resp)
}

func (x *Executor) finish(ctx context.Context, span trace.Span, entry *audit.Entry, resp protocol.CommandResponse) protocol.CommandResponse {
	entry.Code = resp.Code
	entry.IdempotentReplay = resp.IdempotentReplay
	entry.RequestID = logging.RequestID(ctx)
	if !resp.OK {
		entry.Message = resp.Message
	}
	_ = x.audit.Record(ctx, *entry)

	span.SetAttributes(
		attribute.String("warden.command", entry.Command),
		attribute.String("warden.code", string(resp.Code)),
		attribute.Bool("warden.idempotent_replay", resp.IdempotentReplay),
	)
	if !resp.OK {
		span.SetStatus(codes.Error, string(resp.Code))
	}

	logger := logging.FromContext(ctx, x.log)
	ev := logger.Info()
	if !resp.OK {
		ev = logger.Warn()
		if resp.Code == protocol.CodeInternalError {
			ev = logger.Error()
		}
	}
	ev.Str("command_id", entry.CommandID).
		Str("device_id", entry.DeviceID).
		Str("command", entry.Command).
		Str("code", string(resp.Code)).
		Bool("idempotent_replay", resp.IdempotentReplay).
		Msg("command finished")
	return resp
}

func (x *Executor) execute(ctx context.Context, expectedDeviceID string, req *protocol.SignedCommandRequest, entry *audit.Entry) protocol.CommandResponse {
	if x.Halted() {
		return x.failure("", haltedError())
	}

	p, canon, err := req.Decode()
	if err != nil {
		return x.failure("", err)
	}
	entry.CommandID = p.CommandID
	entry.Command = p.Command
	entry.DeviceID = p.DeviceID
	entry.SessionID = p.SessionID

	snap, err := x.policies.Current()
	if err != nil {
		return x.failure(p.CommandID, err)
	}
	entry.PolicyVersion = snap.Version()
	entry.ParamsDigest = x.audit.Hasher().ParamsDigest(publicParams(snap, p.Command, p.Params))

	if err := x.verifier.Verify(canon, req.Signature, snap.KeysForDevice(p.DeviceID)); err != nil {
		return x.failure(p.CommandID, err)
	}

	now := x.now()
	if err := x.guard.Admit(ctx, expectedDeviceID, replay.Request{
		DeviceID:  p.DeviceID,
		Nonce:     p.Nonce,
		IssuedAt:  p.IssuedAt,
		ExpiresAt: p.ExpiresAt,
	}, now); err != nil {
		return x.failure(p.CommandID, err)
	}

	hash, err := protocol.OperationHash(p)
	if err != nil {
		return x.failure(p.CommandID, protocol.Wrap(protocol.CodeInternalError, err, "could not hash operation"))
	}
	rec, lease, err := x.idem.BeginOrReplay(ctx, p.CommandID, hash)
	if err != nil {
		return x.failure(p.CommandID, err)
	}
	if rec != nil {
		var stored protocol.CommandResponse
		if err := json.Unmarshal(rec.Response, &stored); err != nil {
			return x.failure(p.CommandID, protocol.Wrap(protocol.CodeInternalError, err, "stored response is unreadable"))
		}
		stored.IdempotentReplay = true
		return stored
	}
	defer lease.Release()

	// Once the lease is held the command runs to completion even if the caller
	// goes away; backends bound their own run time.
	ctx = context.WithoutCancel(ctx)

	// Recheck after acquiring the lease; a halt may have happened while this
	// request waited.
	if x.Halted() {
		return x.failure(p.CommandID, haltedError())
	}

	result, err := x.run(ctx, snap, p, entry)
	if err != nil {
		return x.failure(p.CommandID, err)
	}
	resp, err := x.success(p.CommandID, result)
	if err != nil {
		return x.failure(p.CommandID, err)
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		return x.failure(p.CommandID, protocol.Wrap(protocol.CodeInternalError, err, "could not encode response"))
	}
	if err := lease.Commit(ctx, encoded); err != nil {
		// The record is cached in memory, so this process still never repeats
		// the command; only a restart could.
		x.log.Error().Err(err).Str("command_id", p.CommandID).Msg("could not persist idempotency record")
	}
	return resp
}

// run authorizes and performs the command behind an admitted request.
func (x *Executor) run(ctx context.Context, snap *policy.Snapshot, p *protocol.CommandPayload, entry *audit.Entry) (map[string]any, error) {
	if builtin, ok := builtins[p.Command]; ok {
		if len(p.Params) > 0 {
			names := make([]string, 0, len(p.Params))
			for name := range p.Params {
				names = append(names, name)
			}
			sort.Strings(names)
			return nil, protocol.FieldError(protocol.CodeInvalidParameter, names[0], "%s takes no parameters", p.Command)
		}
		return builtin(x, p)
	}

	validated, err := x.engine.Authorize(snap, p.Command, p.Params)
	if err != nil {
		return nil, err
	}
	entry.ParamsDigest = x.audit.Hasher().ParamsDigest(validated.Values)

	needsSession := validated.RequiresSession || x.backends.RequiresSession(p.Command)
	if needsSession {
		if _, err := x.sessions.Require(p.DeviceID, p.SessionID); err != nil {
			return nil, err
		}
	}

	out, err := x.dispatcher.Dispatch(ctx, dispatch.Invocation{
		Command:   p.Command,
		Params:    validated.Values,
		DeviceID:  p.DeviceID,
		SessionID: p.SessionID,
	}, validated.Secrets)
	if err != nil {
		return nil, err
	}
	entry.OutcomeMetadata = out.Metadata

	if needsSession {
		if _, err := x.sessions.Touch(p.DeviceID, p.SessionID); err != nil {
			x.log.Warn().Err(err).Str("command_id", p.CommandID).Msg("session ended while command ran")
		}
	}
	return out.Result, nil
}

func (x *Executor) success(commandID string, result map[string]any) (protocol.CommandResponse, error) {
	resp := protocol.CommandResponse{
		SchemaVersion: protocol.SchemaVersion,
		CommandID:     commandID,
		OK:            true,
		Code:          protocol.CodeOK,
		Message:       "ok",
		ExecutedAt:    x.now().UTC(),
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return resp, protocol.Wrap(protocol.CodeInternalError, err, "could not encode command result")
		}
		resp.Result = raw
	}
	return resp, nil
}

func (x *Executor) failure(commandID string, err error) protocol.CommandResponse {
	return protocol.CommandResponse{
		SchemaVersion: protocol.SchemaVersion,
		CommandID:     commandID,
		OK:            false,
		Code:          protocol.CodeOf(err),
		Message:       protocol.MessageOf(err),
		ExecutedAt:    x.now().UTC(),
	}
}

// publicParams keeps only the parameters the policy declares as non-secret,
// so nothing secret is digested for the audit log.
func publicParams(snap *policy.Snapshot, command string, params map[string]any) map[string]any {
	out := map[string]any{}
	rule, ok := snap.Rule(command)
	if !ok {
		return out
	}
	for name, v := range params {
		if c, declared := rule.ParameterConstraints[name]; declared && !c.Secret {
			out[name] = v
		}
	}
	return out
}

// UpdatePolicy verifies and installs a signed policy document.
func (x *Executor) UpdatePolicy(ctx context.Context, req *protocol.PolicyUpdateRequest) protocol.PolicyUpdateResponse {
	ctx, span := x.tracer.Start(ctx, "executor.update_policy")
	defer span.End()

	var (
		res policy.UpdateResult
		err error
	)
	if x.Halted() {
		err = haltedError()
	} else {
		res, err = x.updater.Apply(req)
		if errors.Is(err, policy.ErrRollbackFailed) {
			x.halt(err)
		}
	}

	resp := protocol.PolicyUpdateResponse{
		OK:         err == nil,
		Code:       protocol.CodeOf(err),
		Message:    protocol.MessageOf(err),
		Version:    res.Version,
		RolledBack: res.RolledBack,
	}
	if err == nil {
		resp.Message = fmt.Sprintf("policy version %d installed", res.Version)
	}

	entry := audit.Entry{
		Kind:            audit.KindPolicyUpdate,
		Code:            resp.Code,
		PolicyVersion:   res.Version,
		RequestID:       logging.RequestID(ctx),
		OutcomeMetadata: map[string]string{"state": string(res.State)},
	}
	if !resp.OK {
		entry.Message = resp.Message
	}
	if resp.RolledBack {
		entry.OutcomeMetadata["rolledBack"] = "true"
	}
	_ = x.audit.Record(ctx, entry)

	span.SetAttributes(
		attribute.String("warden.code", string(resp.Code)),
		attribute.Int64("warden.policy_version", res.Version),
	)
	if !resp.OK {
		span.SetStatus(codes.Error, string(resp.Code))
	}
	logger := logging.FromContext(ctx, x.log)
	ev := logger.Info()
	if !resp.OK {
		ev = logger.Warn()
	}
	ev.Str("code", string(resp.Code)).Int64("version", res.Version).Bool("rolled_back", res.RolledBack).
		Msg("policy update finished")
	return resp
}

// ExecuteUpdateRaw decodes body and applies it as a policy update.
func (x *Executor) ExecuteUpdateRaw(ctx context.Context, body []byte) protocol.PolicyUpdateResponse {
	req, err := protocol.DecodePolicyUpdate(body)
	if err != nil {
		resp := protocol.PolicyUpdateResponse{Code: protocol.CodeOf(err), Message: protocol.MessageOf(err)}
		_ = x.audit.Record(ctx, audit.Entry{
			Kind:      audit.KindPolicyUpdate,
			Code:      resp.Code,
			Message:   resp.Message,
			RequestID: logging.RequestID(ctx),
		})
		return resp
	}
	return x.UpdatePolicy(ctx, req)
}

// PolicyInfo describes the active policy without its keys.
type PolicyInfo struct {
	Version  int64    `json:"version"`
	Commands []string `json:"commands"`
}

func (x *Executor) PolicyInfo() (PolicyInfo, error) {
	snap, err := x.policies.Current()
	if err != nil {
		return PolicyInfo{}, err
	}
	return PolicyInfo{Version: snap.Version(), Commands: snap.CommandNames()}, nil
}
