package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/walletauth/adapters/keys"
	"github.com/layer-3/walletauth/adapters/ratelimit"
	"github.com/layer-3/walletauth/adapters/store"
	"github.com/layer-3/walletauth/adapters/tokenizer"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/config"
	"github.com/layer-3/walletauth/internal/eth"
	"github.com/layer-3/walletauth/internal/jwk"
	"github.com/layer-3/walletauth/internal/logx"
	"github.com/layer-3/walletauth/ports"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu          sync.Mutex
	revocations map[string][]core.RevocationEntry
	reuse       []string
	risk        []*core.RiskEvent
}

func (p *recordingPublisher) PublishRevocation(ctx context.Context, sessionID string, entries []core.RevocationEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.revocations == nil {
		p.revocations = make(map[string][]core.RevocationEntry)
	}
	p.revocations[sessionID] = append(p.revocations[sessionID], entries...)
	return nil
}

func (p *recordingPublisher) PublishReuseDetected(ctx context.Context, address core.Address, sessionID, jti string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reuse = append(p.reuse, sessionID)
	return nil
}

func (p *recordingPublisher) PublishRiskEvent(ctx context.Context, e *core.RiskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.risk = append(p.risk, e)
	return nil
}

func (p *recordingPublisher) reuseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reuse)
}

type harness struct {
	cfg       config.Config
	clock     *testClock
	store     *store.MemoryStore
	failures  *ratelimit.MemoryCounter
	publisher *recordingPublisher

	challenges  *ChallengeManager
	risk        *RiskEngine
	revocations *RevocationChecker
	sessions    *SessionManager
	dpop        *DPoPValidator
	stepUp      *StepUpController
	auth        *AuthService
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Store.Timeout = time.Second
	for _, fn := range mutate {
		fn(&cfg)
	}
	require.NoError(t, cfg.Validate())

	clock := newTestClock()
	mem := store.NewMemoryStore(clock)
	failures := ratelimit.NewMemoryCounter(clock)
	pub := &recordingPublisher{}
	logger := logx.Discard()

	kp, err := keys.Generate("test-kid", "ES256")
	require.NoError(t, err)
	tok := tokenizer.NewJWTTokenizer(kp, cfg.Session.Issuer, clock)

	h := &harness{cfg: cfg, clock: clock, store: mem, failures: failures, publisher: pub}
	h.challenges = NewChallengeManager(cfg, mem, ratelimit.NewMemoryLimiter(clock), failures, clock, logger, nil)
	h.risk = NewRiskEngine(cfg, mem, failures, pub, clock, logger, nil)
	h.revocations = NewRevocationChecker(mem, mem, clock, cfg.Store.Timeout)
	h.sessions = NewSessionManager(cfg, mem, tok, h.revocations, h.risk, pub, clock, logger, nil)
	h.dpop = NewDPoPValidator(mem, h.risk, clock, cfg.DPoP.Window, cfg.Store.Timeout, logger, nil)
	h.stepUp = NewStepUpController(cfg, mem, h.challenges, h.risk, clock, logger, nil)
	h.auth = NewAuthService(h.challenges, h.sessions, h.risk, h.dpop, h.stepUp, kp, logger)
	return h
}

type wallet struct {
	key  *ecdsa.PrivateKey
	addr core.Address
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, addr: eth.AddressOf(key)}
}

func (w wallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := eth.SignPersonal([]byte(message), w.key)
	require.NoError(t, err)
	return sig.String()
}

// dpopKey is a client-held proof-of-possession key.
type dpopKey struct {
	key *ecdsa.PrivateKey
	jwk jwk.Key
	raw []byte
	jkt string
}

func newDPoPKey(t *testing.T) dpopKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := jwk.FromPublicKey(&key.PublicKey)
	require.NoError(t, err)
	jkt, err := pub.Thumbprint()
	require.NoError(t, err)
	raw, err := json.Marshal(pub)
	require.NoError(t, err)
	return dpopKey{key: key, jwk: pub, raw: raw, jkt: jkt}
}

func (k dpopKey) proof(t *testing.T, method, url, accessToken string, iat time.Time) string {
	t.Helper()
	claims := DPoPClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(iat),
		},
		HTM: method,
		HTU: url,
		ATH: accessTokenHash(accessToken),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = dpopType
	token.Header["jwk"] = k.jwk
	signed, err := token.SignedString(k.key)
	require.NoError(t, err)
	return signed
}

var testClient = core.RequestContext{IP: "203.0.113.7", UserAgent: "walletauth-test"}

// login runs the full challenge/verify flow for w.
func (h *harness) login(t *testing.T, w wallet, clientKey []byte) *core.TokenPair {
	t.Helper()
	ctx := context.Background()
	ch, err := h.auth.Challenge(ctx, w.addr.String(), testClient)
	require.NoError(t, err)
	pair, err := h.auth.Login(ctx, ConsumeRequest{
		ChallengeID: ch.ID,
		Address:     w.addr.String(),
		Signature:   w.sign(t, ch.Message),
		ClientKey:   clientKey,
		Client:      testClient,
	})
	require.NoError(t, err)
	return pair
}

type failingRiskStore struct{}

func (failingRiskStore) AppendRiskEvent(ctx context.Context, e *core.RiskEvent) error {
	return core.ErrStorageUnavailable
}

func (failingRiskStore) ListRiskEvents(ctx context.Context, address core.Address, since time.Time, limit int) ([]core.RiskEvent, error) {
	return nil, core.ErrStorageUnavailable
}

func (failingRiskStore) DeleteRiskEventsBefore(ctx context.Context, before time.Time) (int, error) {
	return 0, core.ErrStorageUnavailable
}

type failingCounter struct{}

func (failingCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, core.ErrStorageUnavailable
}

func (failingCounter) Count(ctx context.Context, key string) (int64, error) {
	return 0, core.ErrStorageUnavailable
}

func (failingCounter) Reset(ctx context.Context, key string) error {
	return core.ErrStorageUnavailable
}

var (
	_ ports.RiskEventStore = failingRiskStore{}
	_ ports.Counter        = failingCounter{}
)
