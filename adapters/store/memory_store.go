package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
)

type expiring struct {
	until time.Time
}

type stepUpRecord struct {
	state *core.StepUpState
	until time.Time
}

// MemoryStore is an in-memory implementation of every store port. It is meant
// for single-instance deployments and tests.
type MemoryStore struct {
	clock ports.Clock

	mu          sync.RWMutex
	challenges  map[string]core.Challenge
	sessions    map[string]core.Session
	revocations map[string]core.RevocationEntry
	riskEvents  map[core.Address][]core.RiskEvent
	stepUps     map[string]stepUpRecord
	nonces      map[string]expiring
}

var (
	_ ports.ChallengeStore  = (*MemoryStore)(nil)
	_ ports.SessionStore    = (*MemoryStore)(nil)
	_ ports.RevocationStore = (*MemoryStore)(nil)
	_ ports.RiskEventStore  = (*MemoryStore)(nil)
	_ ports.StepUpStore     = (*MemoryStore)(nil)
	_ ports.NonceCache      = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(clock ports.Clock) *MemoryStore {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &MemoryStore{
		clock:       clock,
		challenges:  make(map[string]core.Challenge),
		sessions:    make(map[string]core.Session),
		revocations: make(map[string]core.RevocationEntry),
		riskEvents:  make(map[core.Address][]core.RiskEvent),
		stepUps:     make(map[string]stepUpRecord),
		nonces:      make(map[string]expiring),
	}
}

// CreateChallenge stores a new challenge
func (s *MemoryStore) CreateChallenge(ctx context.Context, c *core.Challenge) error {
	if err := ctx.Err(); err != nil {
		return storageErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.challenges[c.ID]; exists {
		return core.ErrPreconditionFailed
	}
	s.challenges[c.ID] = *c
	return nil
}

// GetChallenge returns a copy of the stored challenge
func (s *MemoryStore) GetChallenge(ctx context.Context, id string) (*core.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &c, nil
}

// MarkConsumed transitions ISSUED to CONSUMED under the store lock
func (s *MemoryStore) MarkConsumed(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return storageErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return core.ErrNotFound
	}
	if c.Status != core.ChallengeIssued {
		return core.ErrPreconditionFailed
	}
	if c.Expired(now) {
		return core.ErrChallengeExpired
	}
	c.Status = core.ChallengeConsumed
	s.challenges[id] = c
	return nil
}

// DeleteExpiredChallenges removes challenges that expired before the cutoff
func (s *MemoryStore) DeleteExpiredChallenges(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.challenges {
		if c.ExpiresAt.Before(before) {
			delete(s.challenges, id)
			n++
		}
	}
	return n, nil
}

// CreateSession stores a new session
func (s *MemoryStore) CreateSession(ctx context.Context, sess *core.Session) error {
	if err := ctx.Err(); err != nil {
		return storageErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return core.ErrPreconditionFailed
	}
	s.sessions[sess.ID] = *sess
	return nil
}

// GetSession returns a copy of the stored session
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &sess, nil
}

// RotateSession swaps the token generation if expectedRefreshJTI is current
func (s *MemoryStore) RotateSession(ctx context.Context, id, expectedRefreshJTI string, next core.Rotation, revoked core.RevocationEntry) error {
	if err := ctx.Err(); err != nil {
		return storageErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return core.ErrNotFound
	}
	if sess.Status != core.SessionActive || sess.RefreshJTI != expectedRefreshJTI {
		return core.ErrPreconditionFailed
	}

	sess.AccessJTI = next.AccessJTI
	sess.RefreshJTI = next.RefreshJTI
	sess.AccessExpiresAt = next.AccessExpiresAt
	sess.RefreshExpiresAt = next.RefreshExpiresAt
	sess.RotatedAt = next.RotatedAt
	s.sessions[id] = sess

	s.revokeLocked(revoked)
	return nil
}

// RevokeSession marks the session revoked and records entries
func (s *MemoryStore) RevokeSession(ctx context.Context, id string, reason core.RevocationReason, entries []core.RevocationEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storageErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, core.ErrNotFound
	}

	wasActive := sess.Status == core.SessionActive
	if wasActive {
		sess.Status = core.SessionRevoked
		sess.RevokedReason = reason
		s.sessions[id] = sess
	}
	for _, e := range entries {
		s.revokeLocked(e)
	}
	return wasActive, nil
}

// DeleteExpiredSessions removes sessions whose refresh window closed before the cutoff
func (s *MemoryStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sess := range s.sessions {
		if sess.RefreshExpiresAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// Revoke adds entries to the revocation set
func (s *MemoryStore) Revoke(ctx context.Context, entries ...core.RevocationEntry) error {
	if err := ctx.Err(); err != nil {
		return storageErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.revokeLocked(e)
	}
	return nil
}

// revokeLocked keeps the first revocation of a jti.
func (s *MemoryStore) revokeLocked(e core.RevocationEntry) {
	if e.JTI == "" {
		return
	}
	if _, exists := s.revocations[e.JTI]; exists {
		return
	}
	s.revocations[e.JTI] = e
}

// GetRevocation returns the revocation entry for jti
func (s *MemoryStore) GetRevocation(ctx context.Context, jti string) (*core.RevocationEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.revocations[jti]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &e, nil
}

// DeleteExpiredRevocations prunes entries for tokens that expired before the cutoff
func (s *MemoryStore) DeleteExpiredRevocations(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for jti, e := range s.revocations {
		if e.ExpiresAt.Before(before) {
			delete(s.revocations, jti)
			n++
		}
	}
	return n, nil
}

// AppendRiskEvent appends an event to the audit trail
func (s *MemoryStore) AppendRiskEvent(ctx context.Context, e *core.RiskEvent) error {
	if err := ctx.Err(); err != nil {
		return storageErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev := *e
	ev.Factors = append([]core.RiskFactor(nil), e.Factors...)
	s.riskEvents[e.Address] = append(s.riskEvents[e.Address], ev)
	return nil
}

// ListRiskEvents returns events for address, newest first
func (s *MemoryStore) ListRiskEvents(ctx context.Context, address core.Address, since time.Time, limit int) ([]core.RiskEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.RiskEvent
	for _, e := range s.riskEvents[address] {
		if !e.ObservedAt.Before(since) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.After(out[j].ObservedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteRiskEventsBefore prunes events observed before the retention cutoff
func (s *MemoryStore) DeleteRiskEventsBefore(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for addr, events := range s.riskEvents {
		kept := events[:0]
		for _, e := range events {
			if e.ObservedAt.Before(before) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.riskEvents, addr)
		} else {
			s.riskEvents[addr] = kept
		}
	}
	return n, nil
}

// GetStepUp returns the step-up state for a session
func (s *MemoryStore) GetStepUp(ctx context.Context, sessionID string) (*core.StepUpState, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.stepUps[sessionID]
	if !ok || !s.clock.Now().Before(rec.until) {
		return nil, core.ErrNotFound
	}
	st := *rec.state
	return &st, nil
}

// PutStepUp replaces the step-up state for a session
func (s *MemoryStore) PutStepUp(ctx context.Context, st *core.StepUpState, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return storageErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	s.stepUps[st.SessionID] = stepUpRecord{state: &cp, until: s.clock.Now().Add(ttl)}
	return nil
}

// DeleteStepUp clears the step-up state for a session
func (s *MemoryStore) DeleteStepUp(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.stepUps, sessionID)
	return nil
}

// DeleteExpiredStepUps prunes step-up records past their ttl
func (s *MemoryStore) DeleteExpiredStepUps(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.stepUps {
		if rec.until.Before(before) {
			delete(s.stepUps, id)
			n++
		}
	}

	// Nonces share the sweep.
	for key, e := range s.nonces {
		if e.until.Before(before) {
			delete(s.nonces, key)
		}
	}
	return n, nil
}

// Remember records key until ttl elapses
func (s *MemoryStore) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storageErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if e, ok := s.nonces[key]; ok && now.Before(e.until) {
		return false, nil
	}
	s.nonces[key] = expiring{until: now.Add(ttl)}
	return true, nil
}
