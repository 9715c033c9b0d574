package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/warden/pkg/auth"
	"github.com/haasonsaas/warden/pkg/protocol"
)

// Constraint types.
const (
	TypeString = "string"
	TypePath   = "path"
	TypeInt    = "int"
	TypeBool   = "bool"
)

// DefaultMaxLength bounds string parameters whose constraint sets no maxLength.
const DefaultMaxLength = 1024

// KeyDoc is a public key as it appears in policy.json.
type KeyDoc struct {
	Algorithm string `json:"algorithm"`
	Key       string `json:"key"`
}

// Constraint restricts one command parameter.
type Constraint struct {
	Type        string   `json:"type,omitempty"`
	Required    bool     `json:"required,omitempty"`
	AllowValues []string `json:"allowValues,omitempty"`
	Root        string   `json:"root,omitempty"`
	Extensions  []string `json:"extensions,omitempty"`
	MaxLength   int      `json:"maxLength,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	// Secret parameters are handed to the backend through its environment
	// and never reach logs, audit entries or idempotency records.
	Secret bool `json:"secret,omitempty"`
}

// CommandRule is the policy entry for one command.
type CommandRule struct {
	Enabled              bool                  `json:"enabled"`
	RequiresSession      bool                  `json:"requiresSession"`
	ParameterConstraints map[string]Constraint `json:"parameterConstraints,omitempty"`
}

type Security struct {
	PublicKeys map[string]KeyDoc   `json:"publicKeys"`
	DeviceKeys map[string][]string `json:"deviceKeys,omitempty"`
}

// Document is the on-disk policy.
type Document struct {
	Version             int64                  `json:"version"`
	Commands            map[string]CommandRule `json:"commands"`
	Security            Security               `json:"security"`
	BootstrapPublicKeys map[string]KeyDoc      `json:"bootstrap_public_keys,omitempty"`
}

// Snapshot is an immutable, validated view of one policy version. Nothing
// hands out the underlying maps for mutation.
type Snapshot struct {
	doc       Document
	raw       []byte
	keys      auth.KeySet
	bootstrap auth.KeySet
	patterns  map[string]*regexp.Regexp
}

func (s *Snapshot) Version() int64 { return s.doc.Version }

// Raw returns the exact bytes the snapshot was parsed from.
func (s *Snapshot) Raw() []byte { return append([]byte(nil), s.raw...) }

// Rule returns a copy of the rule for command.
func (s *Snapshot) Rule(command string) (CommandRule, bool) {
	r, ok := s.doc.Commands[command]
	if !ok {
		return CommandRule{}, false
	}
	if r.ParameterConstraints != nil {
		constraints := make(map[string]Constraint, len(r.ParameterConstraints))
		for name, c := range r.ParameterConstraints {
			c.AllowValues = append([]string(nil), c.AllowValues...)
			c.Extensions = append([]string(nil), c.Extensions...)
			constraints[name] = c
		}
		r.ParameterConstraints = constraints
	}
	return r, true
}

// CommandNames lists configured commands in sorted order.
func (s *Snapshot) CommandNames() []string {
	names := make([]string, 0, len(s.doc.Commands))
	for n := range s.doc.Commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PublicKeys returns the keys trusted for request verification.
func (s *Snapshot) PublicKeys() auth.KeySet { return s.keys }

// BootstrapKeys returns the recovery keys carried by the document.
func (s *Snapshot) BootstrapKeys() auth.KeySet { return s.bootstrap }

// KeysForDevice narrows the request keys to those bound to deviceID. A device
// without a deviceKeys entry may use any request key.
func (s *Snapshot) KeysForDevice(deviceID string) auth.KeySet {
	ids, ok := s.doc.Security.DeviceKeys[deviceID]
	if !ok {
		return s.keys
	}
	out := make(auth.KeySet, len(ids))
	for _, id := range ids {
		if k, ok := s.keys[id]; ok {
			out[id] = k
		}
	}
	return out
}

// UpdateKeys returns the keys allowed to sign the next policy. The bootstrap
// set is a last resort for a document that carries no request keys.
func (s *Snapshot) UpdateKeys() auth.KeySet {
	if len(s.keys) > 0 {
		return s.keys
	}
	return s.bootstrap
}

func (s *Snapshot) pattern(command, param string) *regexp.Regexp {
	return s.patterns[command+"\x00"+param]
}

// Parse validates a policy document. Every failure is POLICY_INVALID.
func Parse(data []byte, reg *auth.Registry) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, protocol.Wrap(protocol.CodePolicyInvalid, err, "policy document is malformed")
	}
	if dec.More() {
		return nil, protocol.Errorf(protocol.CodePolicyInvalid, "trailing data after policy document")
	}
	if doc.Version < 1 {
		return nil, protocol.Errorf(protocol.CodePolicyInvalid, "policy version must be at least 1")
	}
	if doc.Commands == nil {
		doc.Commands = map[string]CommandRule{}
	}

	snap := &Snapshot{
		raw:      append([]byte(nil), data...),
		patterns: map[string]*regexp.Regexp{},
	}

	for name, rule := range doc.Commands {
		if strings.TrimSpace(name) == "" {
			return nil, protocol.Errorf(protocol.CodePolicyInvalid, "empty command name")
		}
		for param, c := range rule.ParameterConstraints {
			norm, re, err := normalizeConstraint(c)
			if err != nil {
				return nil, protocol.Wrap(protocol.CodePolicyInvalid, err, fmt.Sprintf("command %q parameter %q: %v", name, param, err))
			}
			rule.ParameterConstraints[param] = norm
			if re != nil {
				snap.patterns[name+"\x00"+param] = re
			}
		}
		doc.Commands[name] = rule
	}

	var err error
	if snap.keys, err = parseKeys(reg, doc.Security.PublicKeys); err != nil {
		return nil, err
	}
	if snap.bootstrap, err = parseKeys(reg, doc.BootstrapPublicKeys); err != nil {
		return nil, err
	}
	for device, ids := range doc.Security.DeviceKeys {
		for _, id := range ids {
			if _, ok := snap.keys[id]; !ok {
				return nil, protocol.Errorf(protocol.CodePolicyInvalid, "device %q is bound to unknown key %q", device, id)
			}
		}
	}

	snap.doc = doc
	return snap, nil
}

func parseKeys(reg *auth.Registry, docs map[string]KeyDoc) (auth.KeySet, error) {
	keys := make(auth.KeySet, len(docs))
	for id, kd := range docs {
		k, err := reg.ParseKey(id, kd.Algorithm, kd.Key)
		if err != nil {
			return nil, protocol.Wrap(protocol.CodePolicyInvalid, err, err.Error())
		}
		keys[id] = k
	}
	return keys, nil
}

func normalizeConstraint(c Constraint) (Constraint, *regexp.Regexp, error) {
	if c.Type == "" {
		c.Type = TypeString
	}
	switch c.Type {
	case TypeString, TypeInt, TypeBool:
	case TypePath:
		if c.Root == "" {
			return c, nil, errors.New("path constraint requires a root")
		}
		if _, err := parseRoot(c.Root); err != nil {
			return c, nil, err
		}
	default:
		return c, nil, fmt.Errorf("unknown constraint type %q", c.Type)
	}
	if c.MaxLength < 0 {
		return c, nil, errors.New("maxLength must not be negative")
	}
	if c.MaxLength == 0 {
		c.MaxLength = DefaultMaxLength
	}
	exts := make([]string, 0, len(c.Extensions))
	for _, e := range c.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	c.Extensions = exts

	var re *regexp.Regexp
	if c.Pattern != "" {
		var err error
		if re, err = regexp.Compile(c.Pattern); err != nil {
			return c, nil, fmt.Errorf("pattern: %w", err)
		}
	}
	return c, re, nil
}

// LoadFile reads and validates the policy at path.
func LoadFile(path string, reg *auth.Registry) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, protocol.Wrap(protocol.CodePolicyNotFound, err, "no policy is installed")
		}
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data, reg)
}
