package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/warden/pkg/auth"
	"github.com/haasonsaas/warden/pkg/protocol"
)

// State is a step of a policy update.
type State string

const (
	StateIdle         State = "Idle"
	StateVerifying    State = "Verifying"
	StateStagingWrite State = "StagingWrite"
	StateBackingUp    State = "BackingUp"
	StateSwapping     State = "Swapping"
	StateCommitted    State = "Committed"
	StateRolledBack   State = "RolledBack"
	StateFatal        State = "Fatal"
)

// ErrRollbackFailed means the previous policy could not be put back. Policy
// integrity is unknown until an operator intervenes.
var ErrRollbackFailed = errors.New("policy rollback failed")

// FileOps is the file access the updater performs. Every step goes through it
// so failures can be injected at any transition.
type FileOps interface {
	ReadFile(name string) ([]byte, error)
	// WriteFile creates or truncates name and flushes it to stable storage.
	WriteFile(name string, data []byte, perm os.FileMode) error
	Rename(oldpath, newpath string) error
	Remove(name string) error
	Exists(name string) (bool, error)
}

// OSFileOps implements FileOps on the local filesystem.
type OSFileOps struct{}

func (OSFileOps) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

func (OSFileOps) WriteFile(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (OSFileOps) Rename(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err != nil {
		return err
	}
	syncDir(filepath.Dir(newpath))
	return nil
}

func (OSFileOps) Remove(name string) error { return os.Remove(name) }

func (OSFileOps) Exists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// syncDir persists a rename. Directories cannot be fsynced on every
// platform, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// UpdaterConfig wires an Updater.
type UpdaterConfig struct {
	// Path is the active policy file. The staged and backup copies live next
	// to it with .staged and .bak suffixes.
	Path     string
	Store    *Store
	Registry *auth.Registry
	Ops      FileOps
	// BootstrapKeys verify the first policy when none is active.
	BootstrapKeys auth.KeySet
	Logger        zerolog.Logger
}

// UpdateResult describes a finished update attempt.
type UpdateResult struct {
	Version    int64
	RolledBack bool
	State      State
}

// Updater installs signed policy documents. Updates are serialized; readers
// of the Store keep seeing the old snapshot until the new file is in place.
type Updater struct {
	mu        sync.Mutex
	path      string
	store     *Store
	reg       *auth.Registry
	ops       FileOps
	bootstrap auth.KeySet
	log       zerolog.Logger

	// observe is called on every state transition.
	observe func(State)
}

func NewUpdater(cfg UpdaterConfig) *Updater {
	if cfg.Ops == nil {
		cfg.Ops = OSFileOps{}
	}
	if cfg.Registry == nil {
		cfg.Registry = auth.DefaultRegistry()
	}
	return &Updater{
		path:      cfg.Path,
		store:     cfg.Store,
		reg:       cfg.Registry,
		ops:       cfg.Ops,
		bootstrap: cfg.BootstrapKeys,
		log:       cfg.Logger.With().Str("component", "policy_updater").Logger(),
		observe:   func(State) {},
	}
}

func (u *Updater) StagedPath() string { return u.path + ".staged" }
func (u *Updater) BackupPath() string { return u.path + ".bak" }

func (u *Updater) enter(s State) {
	u.log.Debug().Str("state", string(s)).Msg("policy update transition")
	u.observe(s)
}

// verificationKeys returns the active policy's update keys, or the configured
// bootstrap keys when no policy is active.
func (u *Updater) verificationKeys() (auth.KeySet, *Snapshot) {
	active, err := u.store.Current()
	if err != nil {
		return u.bootstrap, nil
	}
	return active.UpdateKeys(), active
}

// Apply runs one update through the state machine.
func (u *Updater) Apply(req *protocol.PolicyUpdateRequest) (UpdateResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	res := UpdateResult{State: StateIdle}
	u.enter(StateVerifying)
	res.State = StateVerifying

	canon, err := protocol.Canonicalize(req.Payload)
	if err != nil {
		return res, protocol.Wrap(protocol.CodeInvalidSchema, err, "policy update payload is not canonicalizable JSON")
	}
	keys, active := u.verificationKeys()
	if err := u.reg.Verify(canon, req.Signature, keys); err != nil {
		return res, protocol.Wrap(protocol.CodePolicyUpdateInvalidSignature, err, protocol.MessageOf(err))
	}

	var payload protocol.PolicyUpdatePayload
	dec := json.NewDecoder(bytes.NewReader(canon))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return res, protocol.Wrap(protocol.CodeInvalidSchema, err, "policy update payload does not match schema")
	}
	if len(payload.Policy) == 0 {
		return res, protocol.Errorf(protocol.CodeInvalidSchema, "policy update carries no policy")
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload.Policy, "", "  "); err != nil {
		return res, protocol.Wrap(protocol.CodePolicyInvalid, err, "policy document is malformed")
	}
	pretty.WriteByte('\n')
	next, err := Parse(pretty.Bytes(), u.reg)
	if err != nil {
		return res, err
	}
	if next.Version() != payload.Version {
		return res, protocol.Errorf(protocol.CodePolicyInvalid, "payload version %d does not match document version %d", payload.Version, next.Version())
	}
	if active != nil && next.Version() <= active.Version() {
		return res, protocol.Errorf(protocol.CodePolicyUpdateVersionRejected,
			"version %d is not newer than active version %d", next.Version(), active.Version())
	}
	res.Version = next.Version()

	return u.install(next, res)
}

func (u *Updater) install(next *Snapshot, res UpdateResult) (UpdateResult, error) {
	staged, backup := u.StagedPath(), u.BackupPath()
	data := next.raw

	u.enter(StateStagingWrite)
	res.State = StateStagingWrite
	if err := u.ops.WriteFile(staged, data, 0o600); err != nil {
		return u.abandon(res, err, "could not stage policy")
	}

	u.enter(StateBackingUp)
	res.State = StateBackingUp
	hadActive, err := u.ops.Exists(u.path)
	if err != nil {
		return u.abandon(res, err, "could not inspect active policy")
	}
	var previous []byte
	if hadActive {
		if previous, err = u.ops.ReadFile(u.path); err != nil {
			return u.abandon(res, err, "could not read active policy")
		}
		if err := u.ops.Rename(u.path, backup); err != nil {
			return u.abandon(res, err, "could not back up active policy")
		}
	}

	u.enter(StateSwapping)
	res.State = StateSwapping
	swapErr := u.ops.Rename(staged, u.path)
	if swapErr == nil {
		written, err := u.ops.ReadFile(u.path)
		switch {
		case err != nil:
			swapErr = err
		case !bytes.Equal(written, data):
			swapErr = errors.New("installed policy does not match staged bytes")
		}
	}
	if swapErr != nil {
		return u.rollback(res, hadActive, previous, swapErr)
	}

	u.store.Publish(next)
	u.enter(StateCommitted)
	res.State = StateCommitted
	u.log.Info().Int64("version", next.Version()).Msg("policy updated")
	return res, nil
}

// abandon stops an update before the active file was moved. RolledBack is
// set because the pre-update policy is still in place.
func (u *Updater) abandon(res UpdateResult, cause error, message string) (UpdateResult, error) {
	u.discard(u.StagedPath())
	u.enter(StateRolledBack)
	res.State = StateRolledBack
	res.RolledBack = true
	return res, protocol.Wrap(protocol.CodePolicyUpdateRollback, cause, message)
}

func (u *Updater) rollback(res UpdateResult, hadActive bool, previous []byte, cause error) (UpdateResult, error) {
	if !hadActive {
		u.discard(u.path)
		return u.abandon(res, cause, "could not install policy")
	}
	u.discard(u.StagedPath())

	restoreErr := u.ops.Rename(u.BackupPath(), u.path)
	if restoreErr == nil {
		restored, err := u.ops.ReadFile(u.path)
		switch {
		case err != nil:
			restoreErr = err
		case !bytes.Equal(restored, previous):
			restoreErr = errors.New("restored policy does not match the previous policy")
		}
	}
	if restoreErr != nil {
		u.enter(StateFatal)
		res.State = StateFatal
		u.log.Error().Err(restoreErr).AnErr("cause", cause).Str("path", u.path).
			Msg("policy rollback failed; privileged dispatch must halt")
		return res, &protocol.Error{
			Code:    protocol.CodePolicyUpdateRollback,
			Message: "policy rollback failed; privileged dispatch halted",
			Err:     fmt.Errorf("%w: %v (swap: %v)", ErrRollbackFailed, restoreErr, cause),
		}
	}

	u.enter(StateRolledBack)
	res.State = StateRolledBack
	res.RolledBack = true
	u.log.Warn().Err(cause).Msg("policy swap failed; previous policy restored")
	return res, protocol.Wrap(protocol.CodePolicyUpdateRollback, cause, "policy swap failed; previous policy restored")
}

func (u *Updater) discard(name string) {
	if err := u.ops.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		u.log.Warn().Err(err).Str("path", name).Msg("could not remove policy file")
	}
}

// Recover repairs the files an interrupted update can leave behind. It runs
// before the policy is loaded: a missing active file is restored from the
// backup and a leftover staged file is removed.
func (u *Updater) Recover() (restored bool, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if ok, err := u.ops.Exists(u.StagedPath()); err != nil {
		return false, err
	} else if ok {
		u.log.Warn().Str("path", u.StagedPath()).Msg("removing staged policy left by an interrupted update")
		if err := u.ops.Remove(u.StagedPath()); err != nil {
			return false, err
		}
	}

	active, err := u.ops.Exists(u.path)
	if err != nil || active {
		return false, err
	}
	backup, err := u.ops.Exists(u.BackupPath())
	if err != nil || !backup {
		return false, err
	}
	if err := u.ops.Rename(u.BackupPath(), u.path); err != nil {
		return false, fmt.Errorf("restore policy backup: %w", err)
	}
	u.log.Warn().Str("path", u.path).Msg("restored policy from backup after an interrupted update")
	return true, nil
}
