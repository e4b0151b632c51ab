package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"paywarp/pkg/keyfsm"
	"paywarp/pkg/models"
	"paywarp/pkg/wallet"
)

var (
	ErrConfigInvalid = errors.New("session key config invalid")
	ErrNotFound      = errors.New("session key not found")
)

// Registry owns every credential for the process. All lifecycle mutation
// goes through it; callers get snapshots, never shared pointers.
type Registry struct {
	mu     sync.RWMutex
	keys   map[string]*record
	Wallet wallet.Provider
	Now    func() time.Time
}

type record struct {
	mu       sync.Mutex
	state    models.SessionKeyState
	identity wallet.Identity
}

func New(provider wallet.Provider) *Registry {
	return &Registry{
		keys:   map[string]*record{},
		Wallet: provider,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the config, generates a fresh signing identity and stores
// the credential active. Nothing is persisted on validation failure.
func (r *Registry) Create(principal string, cfg models.SessionKeyConfig) (string, error) {
	now := r.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	if err := ValidateConfig(cfg); err != nil {
		return "", err
	}
	identity, err := r.Wallet.GenerateIdentity()
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	rec := &record{
		state: models.SessionKeyState{
			ID:        id,
			Principal: principal,
			Address:   identity.Address,
			Config:    cfg,
			IsActive:  true,
		},
		identity: identity,
	}
	r.mu.Lock()
	r.keys[id] = rec
	r.mu.Unlock()
	return id, nil
}

// ValidateConfig enforces the creation invariants.
func ValidateConfig(cfg models.SessionKeyConfig) error {
	if len(cfg.AllowedContracts) == 0 {
		return fmt.Errorf("%w: allowed_contracts is empty", ErrConfigInvalid)
	}
	if len(cfg.AllowedMethods) == 0 {
		return fmt.Errorf("%w: allowed_methods is empty", ErrConfigInvalid)
	}
	if !cfg.ExpirationTime.After(cfg.CreatedAt) {
		return fmt.Errorf("%w: expiration_time must be after created_at", ErrConfigInvalid)
	}
	if cfg.MaxTransactionCount <= 0 {
		return fmt.Errorf("%w: max_transaction_count must be positive", ErrConfigInvalid)
	}
	if cfg.MaxTransactionAmount == nil || cfg.MaxTransactionAmount.Sign() < 0 {
		return fmt.Errorf("%w: max_transaction_amount required", ErrConfigInvalid)
	}
	if cfg.MaxDailyAmount == nil || cfg.MaxDailyAmount.Sign() < 0 {
		return fmt.Errorf("%w: max_daily_amount required", ErrConfigInvalid)
	}
	return nil
}

// Get returns a coherent snapshot of one credential.
func (r *Registry) Get(id string) (models.SessionKeyState, bool) {
	rec, ok := r.lookup(id)
	if !ok {
		return models.SessionKeyState{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return snapshot(rec), true
}

// Identity returns the credential's signing identity for submission.
func (r *Registry) Identity(id string) (wallet.Identity, bool) {
	rec, ok := r.lookup(id)
	if !ok {
		return wallet.Identity{}, false
	}
	return rec.identity, true
}

// ListActive returns ids of the principal's credentials that are neither
// revoked nor past expiration, evaluated lazily at call time.
func (r *Registry) ListActive(principal string, now time.Time) []string {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.keys))
	for _, rec := range r.keys {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()
	var out []string
	for _, rec := range recs {
		rec.mu.Lock()
		st := rec.state
		if st.Principal == principal && st.IsActive && !st.IsRevoked &&
			!keyfsm.IsExpired(st.Config.ExpirationTime, now) {
			out = append(out, st.ID)
		}
		rec.mu.Unlock()
	}
	return out
}

// Revoke is idempotent and terminal: the first call moves the credential to
// REVOKED and records the reason, later calls are no-ops returning false.
func (r *Registry) Revoke(id, reason string) bool {
	rec, ok := r.lookup(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state.IsRevoked {
		return false
	}
	now := r.Now()
	rec.state.IsRevoked = true
	rec.state.IsActive = false
	rec.state.RevokedAt = &now
	rec.state.RevokedReason = reason
	return true
}

// EmergencyRevokeAll sweeps every active credential of the principal whose
// config opts into emergency revocation. Returns the number revoked.
// Record locks are only taken after the registry lock is released; a record
// lock holder may look ids up concurrently, so the reverse order would
// deadlock behind a pending Create.
func (r *Registry) EmergencyRevokeAll(principal, reason string) int {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.keys))
	for _, rec := range r.keys {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()
	revoked := 0
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.state.Principal == principal && rec.state.Config.EmergencyRevocation && !rec.state.IsRevoked {
			now := r.Now()
			rec.state.IsRevoked = true
			rec.state.IsActive = false
			rec.state.RevokedAt = &now
			rec.state.RevokedReason = reason
			revoked++
		}
		rec.mu.Unlock()
	}
	return revoked
}

// ExpireIfDue performs the lazy expiry transition: past expiration and still
// active becomes inactive. Revocation state is untouched and no reason is
// recorded; expiry and revocation are distinct.
func (r *Registry) ExpireIfDue(id string, now time.Time) bool {
	rec, ok := r.lookup(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state.IsRevoked || !rec.state.IsActive {
		return false
	}
	if !keyfsm.IsExpired(rec.state.Config.ExpirationTime, now) {
		return false
	}
	rec.state.IsActive = false
	return true
}

// CleanupExpired is the batch form of ExpireIfDue over the whole registry.
// History is never deleted.
func (r *Registry) CleanupExpired(now time.Time) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	expired := 0
	for _, id := range ids {
		if r.ExpireIfDue(id, now) {
			expired++
		}
	}
	return expired
}

// LockedKey is a held per-credential lock. Its methods never touch the
// registry map, so a holder cannot contend with registry-wide operations
// like Create or the revocation sweep.
type LockedKey struct {
	rec *record
}

func (l *LockedKey) Unlock() {
	l.rec.mu.Unlock()
}

// State returns the snapshot under the held lock.
func (l *LockedKey) State() models.SessionKeyState {
	return snapshot(l.rec)
}

// ExpireIfDue is the lazy expiry transition for the held credential.
func (l *LockedKey) ExpireIfDue(now time.Time) bool {
	if l.rec.state.IsRevoked || !l.rec.state.IsActive {
		return false
	}
	if !keyfsm.IsExpired(l.rec.state.Config.ExpirationTime, now) {
		return false
	}
	l.rec.state.IsActive = false
	return true
}

// LockKey acquires the credential's mutual-exclusion scope. The executor
// holds it across evaluate and reserve so concurrent callers cannot both
// pass a daily-limit check before either consumes quota.
func (r *Registry) LockKey(id string) (*LockedKey, bool) {
	rec, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	return &LockedKey{rec: rec}, true
}

func (r *Registry) lookup(id string) (*record, bool) {
	r.mu.RLock()
	rec, ok := r.keys[id]
	r.mu.RUnlock()
	return rec, ok
}

func snapshot(rec *record) models.SessionKeyState {
	st := rec.state
	if st.RevokedAt != nil {
		t := *st.RevokedAt
		st.RevokedAt = &t
	}
	return st
}
