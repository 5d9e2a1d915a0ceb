package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/layer-3/walletauth/ports"
)

// HousekeepingStores are the stores swept by the housekeeping worker.
type HousekeepingStores struct {
	Challenges  ports.ChallengeStore
	Sessions    ports.SessionStore
	Revocations ports.RevocationStore
	StepUps     ports.StepUpStore
	RiskEvents  ports.RiskEventStore
}

// HousekeepingService periodically deletes expired records. Stores with
// native expiry report zero deletions.
type HousekeepingService struct {
	stores         HousekeepingStores
	revocations    *RevocationChecker
	clock          ports.Clock
	challengeGrace time.Duration
	riskRetention  time.Duration
	timeout        time.Duration
	logger         *slog.Logger
	interval       time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a housekeeping worker. If interval is 0 or
// negative it defaults to 1 minute.
func NewHousekeepingService(
	stores HousekeepingStores,
	revocations *RevocationChecker,
	clock ports.Clock,
	challengeGrace, riskRetention, timeout time.Duration,
	logger *slog.Logger,
	interval time.Duration,
) *HousekeepingService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HousekeepingService{
		stores:         stores,
		revocations:    revocations,
		clock:          clock,
		challengeGrace: challengeGrace,
		riskRetention:  riskRetention,
		timeout:        timeout,
		logger:         logger,
		interval:       interval,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start runs the worker in the background until Stop is called.
func (s *HousekeepingService) Start() {
	go s.run()
	s.logger.Info("housekeeping service started", "interval", s.interval)
}

// Stop blocks until any in-progress sweep has finished.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep performs one cleanup pass and returns the number of deleted
// records. Each deletion is independent; one failing does not stop the rest.
func (s *HousekeepingService) Sweep(ctx context.Context) int {
	now := s.clock.Now()
	total := 0

	sweeps := []struct {
		name string
		fn   func(ctx context.Context) (int, error)
	}{
		{"challenges", func(ctx context.Context) (int, error) {
			return s.stores.Challenges.DeleteExpiredChallenges(ctx, now.Add(-s.challengeGrace))
		}},
		{"sessions", func(ctx context.Context) (int, error) {
			return s.stores.Sessions.DeleteExpiredSessions(ctx, now)
		}},
		{"revocations", func(ctx context.Context) (int, error) {
			return s.stores.Revocations.DeleteExpiredRevocations(ctx, now)
		}},
		{"step_ups", func(ctx context.Context) (int, error) {
			return s.stores.StepUps.DeleteExpiredStepUps(ctx, now)
		}},
		{"risk_events", func(ctx context.Context) (int, error) {
			return s.stores.RiskEvents.DeleteRiskEventsBefore(ctx, now.Add(-s.riskRetention))
		}},
	}

	for _, sw := range sweeps {
		n, err := storeGet(ctx, s.timeout, sw.fn)
		if err != nil {
			s.logger.Error("housekeeping sweep failed", "records", sw.name, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Debug("deleted expired records", "records", sw.name, "count", n)
		}
		total += n
	}

	if s.revocations != nil {
		total += s.revocations.Prune(now)
	}

	s.logger.Info("housekeeping cleanup completed", "deleted", total)
	return total
}
