package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/ports"
	"github.com/redis/go-redis/v9"
)

const minKeyTTL = time.Second

const (
	casNotFound int64 = 0
	casState    int64 = 1
	casMismatch int64 = 2
	casApplied  int64 = 3
)

// KEYS[1] record hash. ARGV[1] ttl ms, then field/value pairs.
const createHashScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return 1
`

// KEYS[1] challenge hash. ARGV[1] now in unix ms.
const consumeChallengeScript = `
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return 0
end
if status ~= "ISSUED" then
  return 1
end
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
if tonumber(ARGV[1]) > expires then
  return 2
end
redis.call("HSET", KEYS[1], "status", "CONSUMED")
return 3
`

// KEYS[1] session hash, KEYS[2] revocation key for the outgoing refresh jti.
// ARGV: expected refresh jti, access jti, refresh jti, access exp ms,
// refresh exp ms, rotated ms, session ttl ms, revocation json, revocation ttl ms.
const rotateSessionScript = `
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return 0
end
if status ~= "ACTIVE" then
  return 1
end
if redis.call("HGET", KEYS[1], "refresh_jti") ~= ARGV[1] then
  return 2
end
redis.call("HSET", KEYS[1],
  "access_jti", ARGV[2],
  "refresh_jti", ARGV[3],
  "access_expires_at", ARGV[4],
  "refresh_expires_at", ARGV[5],
  "rotated_at", ARGV[6])
redis.call("PEXPIRE", KEYS[1], ARGV[7])
redis.call("SET", KEYS[2], ARGV[8], "PX", ARGV[9], "NX")
return 3
`

// KEYS[1] session hash, KEYS[2..n] revocation keys. ARGV[1] reason, then a
// (json, ttl ms) pair per revocation key.
const revokeSessionScript = `
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return -1
end
local was_active = 0
if status == "ACTIVE" then
  was_active = 1
  redis.call("HSET", KEYS[1], "status", "REVOKED", "revoked_reason", ARGV[1])
end
for i = 2, #KEYS do
  local j = (i - 2) * 2 + 2
  redis.call("SET", KEYS[i], ARGV[j], "PX", ARGV[j + 1], "NX")
end
return was_active
`

var (
	createHashLua       = redis.NewScript(createHashScript)
	consumeChallengeLua = redis.NewScript(consumeChallengeScript)
	rotateSessionLua    = redis.NewScript(rotateSessionScript)
	revokeSessionLua    = redis.NewScript(revokeSessionScript)
)

// RedisStore is a Redis implementation of the challenge, session, revocation,
// step-up and nonce stores. Records carry key TTLs, so the DeleteExpired
// sweeps are no-ops.
type RedisStore struct {
	client         *redis.Client
	prefix         string
	challengeGrace time.Duration
	clock          ports.Clock
}

var (
	_ ports.ChallengeStore  = (*RedisStore)(nil)
	_ ports.SessionStore    = (*RedisStore)(nil)
	_ ports.RevocationStore = (*RedisStore)(nil)
	_ ports.StepUpStore     = (*RedisStore)(nil)
	_ ports.NonceCache      = (*RedisStore)(nil)
)

// NewRedisStore creates a new Redis store. Challenges are retained for
// challengeGrace past their expiry so late verifications report
// ChallengeExpired rather than ChallengeNotFound.
func NewRedisStore(client *redis.Client, prefix string, challengeGrace time.Duration, clock ports.Clock) *RedisStore {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &RedisStore{
		client:         client,
		prefix:         prefix,
		challengeGrace: challengeGrace,
		clock:          clock,
	}
}

func (s *RedisStore) challengeKey(id string) string { return s.prefix + ":challenge:" + id }
func (s *RedisStore) sessionKey(id string) string   { return s.prefix + ":session:" + id }
func (s *RedisStore) revokedKey(jti string) string  { return s.prefix + ":revoked:" + jti }
func (s *RedisStore) stepUpKey(sid string) string   { return s.prefix + ":stepup:" + sid }
func (s *RedisStore) nonceKey(key string) string    { return s.prefix + ":nonce:" + key }

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storageErr(err)
	}
	return nil
}

// CreateChallenge stores a new challenge
func (s *RedisStore) CreateChallenge(ctx context.Context, c *core.Challenge) error {
	return s.createHash(ctx, s.challengeKey(c.ID), c.ExpiresAt.Sub(c.IssuedAt)+s.challengeGrace,
		"id", c.ID,
		"address", c.Address.String(),
		"nonce", c.Nonce,
		"message", c.Message,
		"purpose", string(c.Purpose),
		"session_id", c.SessionID,
		"issued_at", c.IssuedAt.UnixMilli(),
		"expires_at", c.ExpiresAt.UnixMilli(),
		"status", string(c.Status),
		"ip", c.IP,
	)
}

// GetChallenge loads a challenge by id
func (s *RedisStore) GetChallenge(ctx context.Context, id string) (*core.Challenge, error) {
	fields, err := s.client.HGetAll(ctx, s.challengeKey(id)).Result()
	if err != nil {
		return nil, storageErr(err)
	}
	if len(fields) == 0 || fields["status"] == "" {
		return nil, core.ErrNotFound
	}

	addr, err := core.ParseAddress(fields["address"])
	if err != nil {
		return nil, storageErr(err)
	}

	return &core.Challenge{
		ID:        id,
		Address:   addr,
		Nonce:     fields["nonce"],
		Message:   fields["message"],
		Purpose:   core.ChallengePurpose(fields["purpose"]),
		SessionID: fields["session_id"],
		IssuedAt:  parseMillis(fields["issued_at"]),
		ExpiresAt: parseMillis(fields["expires_at"]),
		Status:    core.ChallengeStatus(fields["status"]),
		IP:        fields["ip"],
	}, nil
}

// MarkConsumed runs the ISSUED to CONSUMED compare-and-swap in Lua
func (s *RedisStore) MarkConsumed(ctx context.Context, id string, now time.Time) error {
	res, err := consumeChallengeLua.Run(ctx, s.client, []string{s.challengeKey(id)}, now.UnixMilli()).Int64()
	if err != nil {
		return storageErr(err)
	}

	switch res {
	case casNotFound:
		return core.ErrNotFound
	case casState:
		return core.ErrPreconditionFailed
	case casMismatch:
		return core.ErrChallengeExpired
	}
	return nil
}

// DeleteExpiredChallenges is a no-op; challenge keys expire on their own
func (s *RedisStore) DeleteExpiredChallenges(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

// CreateSession stores a new session
func (s *RedisStore) CreateSession(ctx context.Context, sess *core.Session) error {
	stepUp := "0"
	if sess.RequiresStepUp {
		stepUp = "1"
	}

	return s.createHash(ctx, s.sessionKey(sess.ID), sess.RefreshExpiresAt.Sub(sess.IssuedAt),
		"id", sess.ID,
		"address", sess.Address.String(),
		"access_jti", sess.AccessJTI,
		"refresh_jti", sess.RefreshJTI,
		"issued_at", sess.IssuedAt.UnixMilli(),
		"rotated_at", millisOrZero(sess.RotatedAt),
		"access_expires_at", sess.AccessExpiresAt.UnixMilli(),
		"refresh_expires_at", sess.RefreshExpiresAt.UnixMilli(),
		"device_fingerprint", sess.DeviceFingerprint,
		"ip", sess.IP,
		"user_agent", sess.UserAgent,
		"dpop_jkt", sess.DPoPJKT,
		"requires_step_up", stepUp,
		"status", string(sess.Status),
		"revoked_reason", string(sess.RevokedReason),
	)
}

// createHash writes a new hash record with a ttl, failing if the key exists.
func (s *RedisStore) createHash(ctx context.Context, key string, ttl time.Duration, fields ...any) error {
	args := append([]any{keyTTL(ttl).Milliseconds()}, fields...)
	res, err := createHashLua.Run(ctx, s.client, []string{key}, args...).Int64()
	if err != nil {
		return storageErr(err)
	}
	if res == 0 {
		return core.ErrPreconditionFailed
	}
	return nil
}

// GetSession loads a session by id
func (s *RedisStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	f, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, storageErr(err)
	}
	if len(f) == 0 || f["status"] == "" {
		return nil, core.ErrNotFound
	}

	addr, err := core.ParseAddress(f["address"])
	if err != nil {
		return nil, storageErr(err)
	}

	sess := &core.Session{
		ID:                id,
		Address:           addr,
		AccessJTI:         f["access_jti"],
		RefreshJTI:        f["refresh_jti"],
		IssuedAt:          parseMillis(f["issued_at"]),
		AccessExpiresAt:   parseMillis(f["access_expires_at"]),
		RefreshExpiresAt:  parseMillis(f["refresh_expires_at"]),
		DeviceFingerprint: f["device_fingerprint"],
		IP:                f["ip"],
		UserAgent:         f["user_agent"],
		DPoPJKT:           f["dpop_jkt"],
		RequiresStepUp:    f["requires_step_up"] == "1",
		Status:            core.SessionStatus(f["status"]),
		RevokedReason:     core.RevocationReason(f["revoked_reason"]),
	}
	if f["rotated_at"] != "" && f["rotated_at"] != "0" {
		sess.RotatedAt = parseMillis(f["rotated_at"])
	}
	return sess, nil
}

// RotateSession runs the refresh-jti compare-and-swap in Lua
func (s *RedisStore) RotateSession(ctx context.Context, id, expectedRefreshJTI string, next core.Rotation, revoked core.RevocationEntry) error {
	entry, err := json.Marshal(revoked)
	if err != nil {
		return err
	}

	res, err := rotateSessionLua.Run(ctx, s.client,
		[]string{s.sessionKey(id), s.revokedKey(revoked.JTI)},
		expectedRefreshJTI,
		next.AccessJTI,
		next.RefreshJTI,
		next.AccessExpiresAt.UnixMilli(),
		next.RefreshExpiresAt.UnixMilli(),
		next.RotatedAt.UnixMilli(),
		keyTTL(next.RefreshExpiresAt.Sub(next.RotatedAt)).Milliseconds(),
		entry,
		keyTTL(revoked.ExpiresAt.Sub(next.RotatedAt)).Milliseconds(),
	).Int64()
	if err != nil {
		return storageErr(err)
	}

	switch res {
	case casNotFound:
		return core.ErrNotFound
	case casState, casMismatch:
		return core.ErrPreconditionFailed
	}
	return nil
}

// RevokeSession flips the session to REVOKED and writes entries in one script
func (s *RedisStore) RevokeSession(ctx context.Context, id string, reason core.RevocationReason, entries []core.RevocationEntry) (bool, error) {
	now := s.clock.Now()
	keys := []string{s.sessionKey(id)}
	args := []any{string(reason)}
	for _, e := range entries {
		if e.JTI == "" {
			continue
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return false, err
		}
		keys = append(keys, s.revokedKey(e.JTI))
		args = append(args, raw, keyTTL(e.ExpiresAt.Sub(now)).Milliseconds())
	}

	res, err := revokeSessionLua.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return false, storageErr(err)
	}
	if res < 0 {
		return false, core.ErrNotFound
	}
	return res == 1, nil
}

// DeleteExpiredSessions is a no-op; session keys expire on their own
func (s *RedisStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

// Revoke adds entries to the revocation set
func (s *RedisStore) Revoke(ctx context.Context, entries ...core.RevocationEntry) error {
	if len(entries) == 0 {
		return nil
	}

	now := s.clock.Now()
	pipe := s.client.Pipeline()
	for _, e := range entries {
		if e.JTI == "" {
			continue
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		pipe.SetNX(ctx, s.revokedKey(e.JTI), raw, keyTTL(e.ExpiresAt.Sub(now)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr(err)
	}
	return nil
}

// GetRevocation returns the revocation entry for jti
func (s *RedisStore) GetRevocation(ctx context.Context, jti string) (*core.RevocationEntry, error) {
	raw, err := s.client.Get(ctx, s.revokedKey(jti)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrNotFound
		}
		return nil, storageErr(err)
	}

	var e core.RevocationEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, storageErr(err)
	}
	return &e, nil
}

// DeleteExpiredRevocations is a no-op; revocation keys expire on their own
func (s *RedisStore) DeleteExpiredRevocations(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

type stepUpRecordJSON struct {
	SessionID    string    `json:"sid"`
	Status       string    `json:"status"`
	Class        int       `json:"class"`
	Operation    string    `json:"operation,omitempty"`
	ChallengeID  string    `json:"challenge_id,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
	SatisfiedAt  time.Time `json:"satisfied_at"`
	SatisfiedTil time.Time `json:"satisfied_until"`
}

// GetStepUp returns the step-up state for a session
func (s *RedisStore) GetStepUp(ctx context.Context, sessionID string) (*core.StepUpState, error) {
	raw, err := s.client.Get(ctx, s.stepUpKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrNotFound
		}
		return nil, storageErr(err)
	}

	var rec stepUpRecordJSON
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, storageErr(err)
	}
	return &core.StepUpState{
		SessionID:    rec.SessionID,
		Status:       core.StepUpStatus(rec.Status),
		Class:        core.OperationClass(rec.Class),
		Operation:    rec.Operation,
		ChallengeID:  rec.ChallengeID,
		RequestedAt:  rec.RequestedAt,
		SatisfiedAt:  rec.SatisfiedAt,
		SatisfiedTil: rec.SatisfiedTil,
	}, nil
}

// PutStepUp replaces the step-up state for a session
func (s *RedisStore) PutStepUp(ctx context.Context, st *core.StepUpState, ttl time.Duration) error {
	raw, err := json.Marshal(stepUpRecordJSON{
		SessionID:    st.SessionID,
		Status:       string(st.Status),
		Class:        int(st.Class),
		Operation:    st.Operation,
		ChallengeID:  st.ChallengeID,
		RequestedAt:  st.RequestedAt,
		SatisfiedAt:  st.SatisfiedAt,
		SatisfiedTil: st.SatisfiedTil,
	})
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.stepUpKey(st.SessionID), raw, keyTTL(ttl)).Err(); err != nil {
		return storageErr(err)
	}
	return nil
}

// DeleteStepUp clears the step-up state for a session
func (s *RedisStore) DeleteStepUp(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.stepUpKey(sessionID)).Err(); err != nil {
		return storageErr(err)
	}
	return nil
}

// DeleteExpiredStepUps is a no-op; step-up keys expire on their own
func (s *RedisStore) DeleteExpiredStepUps(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

// Remember sets key with NX and reports whether it was new
func (s *RedisStore) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.nonceKey(key), "1", keyTTL(ttl)).Result()
	if err != nil {
		return false, storageErr(err)
	}
	return ok, nil
}

func keyTTL(d time.Duration) time.Duration {
	if d < minKeyTTL {
		return minKeyTTL
	}
	return d
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func millisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
