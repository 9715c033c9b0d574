// Package dispatch routes authorized commands to registered backends.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/warden/pkg/policy"
	"github.com/haasonsaas/warden/pkg/protocol"
)

// SecretEnvPrefix prefixes the environment variables that carry secret
// parameters to a backend.
const SecretEnvPrefix = "WARDEN_SECRET_"

// Descriptor is what a backend declares about itself.
type Descriptor struct {
	Name            string
	Description     string
	RequiresSession bool
	// Constraints seed the policy template; the installed policy decides.
	Constraints map[string]policy.Constraint
}

// Invocation is one call into a backend.
type Invocation struct {
	Command string
	Params  map[string]any
	// Env carries secret parameters as NAME=value pairs. Backends pass it to
	// child processes and never place it on a command line.
	Env       []string
	DeviceID  string
	SessionID string
}

// Outcome is a backend's result.
type Outcome struct {
	Result   map[string]any
	Metadata map[string]string
}

// Backend performs one privileged operation.
type Backend interface {
	Describe() Descriptor
	Execute(ctx context.Context, inv Invocation) (Outcome, error)
}

type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func (r *Registry) Register(b Backend) error {
	name := b.Describe().Name
	if name == "" {
		return fmt.Errorf("backend has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

func (r *Registry) Lookup(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Descriptors returns every registered descriptor sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TemplatePolicy builds a policy with every registered command disabled.
func (r *Registry) TemplatePolicy(version int64) policy.Document {
	doc := policy.Document{
		Version:  version,
		Commands: map[string]policy.CommandRule{},
		Security: policy.Security{PublicKeys: map[string]policy.KeyDoc{}},
	}
	for _, d := range r.Descriptors() {
		doc.Commands[d.Name] = policy.CommandRule{
			Enabled:              false,
			RequiresSession:      d.RequiresSession,
			ParameterConstraints: d.Constraints,
		}
	}
	return doc
}

// RequiresSession reports whether the backend for command demands a session.
func (r *Registry) RequiresSession(command string) bool {
	b, ok := r.Lookup(command)
	return ok && b.Describe().RequiresSession
}

// SecretEnvName maps a parameter name to its environment variable:
// recoveryPassword becomes WARDEN_SECRET_RECOVERY_PASSWORD.
func SecretEnvName(param string) string {
	return EnvName(SecretEnvPrefix, param)
}

// EnvName upper-cases param into snake case behind prefix.
func EnvName(prefix, param string) string {
	var b strings.Builder
	b.WriteString(prefix)
	prevLower := false
	for _, r := range param {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
			prevLower = true
		default:
			b.WriteByte('_')
			prevLower = false
		}
	}
	return b.String()
}

// Dispatcher invokes backends. It owns no OS logic.
type Dispatcher struct {
	reg *Registry
	log zerolog.Logger
}

func NewDispatcher(reg *Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, log: logger.With().Str("component", "dispatcher").Logger()}
}

// Dispatch runs command. Backend errors become COMMAND_EXECUTION_FAILED and
// panics become INTERNAL_ERROR; secret values are scrubbed from anything
// returned.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation, secrets map[string]string) (out Outcome, err error) {
	b, ok := d.reg.Lookup(inv.Command)
	if !ok {
		return Outcome{}, protocol.Errorf(protocol.CodeCommandExecutionFailed, "no backend registered for %q", inv.Command)
	}

	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	inv.Env = inv.Env[:0:0]
	for _, name := range names {
		inv.Env = append(inv.Env, SecretEnvName(name)+"="+secrets[name])
	}
	scrub := newScrubber(secrets)

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("command", inv.Command).
				Str("panic", scrub(fmt.Sprint(r))).
				Str("stack", scrub(string(debug.Stack()))).
				Msg("backend panicked")
			out = Outcome{}
			err = protocol.Errorf(protocol.CodeInternalError, "internal error")
		}
	}()

	out, err = b.Execute(ctx, inv)
	if err != nil {
		return Outcome{}, protocol.Errorf(protocol.CodeCommandExecutionFailed, "%s", scrub(err.Error()))
	}
	return scrubOutcome(out, scrub), nil
}

func newScrubber(secrets map[string]string) func(string) string {
	values := make([]string, 0, len(secrets))
	for _, v := range secrets {
		if v != "" {
			values = append(values, v)
		}
	}
	return func(s string) string {
		for _, v := range values {
			s = strings.ReplaceAll(s, v, "[REDACTED]")
		}
		return s
	}
}

func scrubOutcome(out Outcome, scrub func(string) string) Outcome {
	if out.Result != nil {
		res := make(map[string]any, len(out.Result))
		for k, v := range out.Result {
			if s, ok := v.(string); ok {
				v = scrub(s)
			}
			res[k] = v
		}
		out.Result = res
	}
	if out.Metadata != nil {
		md := make(map[string]string, len(out.Metadata))
		for k, v := range out.Metadata {
			md[k] = scrub(v)
		}
		out.Metadata = md
	}
	return out
}
