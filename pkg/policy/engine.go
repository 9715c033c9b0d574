package policy

import (
	"sort"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/haasonsaas/warden/pkg/protocol"
)

// hardDisabled commands are refused whatever the policy says.
var hardDisabled = map[string]bool{
	"restart_service": true,
}

// ValidatedParams is the outcome of a successful authorization.
type ValidatedParams struct {
	// Values holds non-secret parameters; path parameters are replaced by
	// their canonical form.
	Values map[string]any
	// Secrets holds parameters marked secret, keyed by parameter name.
	Secrets         map[string]string
	RequiresSession bool
}

// Engine evaluates requests against a policy snapshot.
type Engine struct {
	fs FileSystem
}

func NewEngine(fsys FileSystem) *Engine {
	if fsys == nil {
		fsys = OSFileSystem{}
	}
	return &Engine{fs: fsys}
}

// IsHardDisabled reports whether command is refused regardless of policy.
func IsHardDisabled(command string) bool {
	return hardDisabled[command]
}

// Authorize checks, in order: hard-disabled commands, presence in the
// policy, the enabled flag, then every parameter against its constraint.
func (e *Engine) Authorize(snap *Snapshot, command string, params map[string]any) (*ValidatedParams, error) {
	if hardDisabled[command] {
		return nil, protocol.Errorf(protocol.CodeCommandDisabled, "command %q is disabled", command)
	}
	if snap == nil {
		return nil, protocol.Errorf(protocol.CodePolicyNotFound, "no policy is installed")
	}
	rule, ok := snap.Rule(command)
	if !ok {
		return nil, protocol.Errorf(protocol.CodePolicyDeny, "command %q is not permitted by policy", command)
	}
	if !rule.Enabled {
		return nil, protocol.Errorf(protocol.CodeCommandDisabled, "command %q is disabled", command)
	}

	for name := range params {
		if _, declared := rule.ParameterConstraints[name]; !declared {
			return nil, protocol.FieldError(protocol.CodeInvalidParameter, name, "parameter is not declared by policy")
		}
	}

	out := &ValidatedParams{
		Values:          map[string]any{},
		Secrets:         map[string]string{},
		RequiresSession: rule.RequiresSession,
	}
	names := make([]string, 0, len(rule.ParameterConstraints))
	for name := range rule.ParameterConstraints {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := rule.ParameterConstraints[name]
		v, present := params[name]
		if !present {
			if c.Required {
				return nil, protocol.FieldError(protocol.CodeInvalidParameter, name, "required parameter is missing")
			}
			continue
		}
		value, err := e.check(snap, command, name, c, v)
		if err != nil {
			return nil, err
		}
		if c.Secret {
			out.Secrets[name] = stringify(value)
			continue
		}
		out.Values[name] = value
	}
	return out, nil
}

func (e *Engine) check(snap *Snapshot, command, name string, c Constraint, v any) (any, error) {
	switch c.Type {
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, protocol.FieldError(protocol.CodeInvalidParameter, name, "expected a boolean")
		}
		return b, nil

	case TypeInt:
		n, ok := v.(int64)
		if !ok {
			return nil, protocol.FieldError(protocol.CodeInvalidParameter, name, "expected an integer")
		}
		if len(c.AllowValues) > 0 && !contains(c.AllowValues, strconv.FormatInt(n, 10)) {
			return nil, protocol.FieldError(protocol.CodeInvalidParameter, name, "value is not allowed")
		}
		return n, nil

	default:
		s, ok := v.(string)
		if !ok {
			return nil, protocol.FieldError(protocol.CodeInvalidParameter, name, "expected a string")
		}
		if !utf8.ValidString(s) || hasControl(s) {
			return nil, protocol.FieldError(protocol.CodeInvalidParameter, name, "value contains control characters")
		}
		if len(s) > c.MaxLength {
			return nil, protocol.FieldError(protocol.CodeInvalidParameter, name, "value exceeds %d bytes", c.MaxLength)
		}
		if re := snap.pattern(command, name); re != nil && !re.MatchString(s) {
			return nil, protocol.FieldError(protocol.CodeInvalidParameter, name, "value does not match the required pattern")
		}
		if len(c.AllowValues) > 0 && !contains(c.AllowValues, s) {
			return nil, protocol.FieldError(protocol.CodeInvalidParameter, name, "value is not allowed")
		}
		if c.Type != TypePath {
			return s, nil
		}
		resolved, err := ResolvePath(e.fs, c.Root, s, c.Extensions)
		if err != nil {
			if pe, ok := err.(*protocol.Error); ok && pe.Field == "" {
				pe.Field = name
			}
			return nil, err
		}
		return resolved, nil
	}
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
