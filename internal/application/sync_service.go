package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultSyncCooldown is the minimum time between two manual syncs.
const DefaultSyncCooldown = 30 * time.Second

// ErrRateLimited is matched by the error TriggerSync returns inside the
// cooldown.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitError tells a caller of TriggerSync how long to wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("sync rate limit exceeded, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// SyncResult describes one synchronization run.
type SyncResult struct {
	DatasetsAdded   int       `json:"datasets_added"`
	DatasetsUpdated int       `json:"datasets_updated"`
	DatasetsRemoved int       `json:"datasets_removed"`
	DatasetsTotal   int       `json:"datasets_total"`
	DatasetsFailed  int       `json:"datasets_failed"`
	SyncedAt        time.Time `json:"synced_at"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
}

// SyncService keeps the registry in step with the dataset storage, on a
// schedule and on demand.
type SyncService struct {
	registry *DatasetRegistry
	interval time.Duration
	logger   *slog.Logger
	limiter  *rate.Limiter

	running sync.Mutex // one sync at a time
	next    atomic.Pointer[time.Time]

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncService creates a sync service. Manual triggers are allowed once
// per cooldown; the first one is allowed immediately.
func NewSyncService(registry *DatasetRegistry, interval, cooldown time.Duration, logger *slog.Logger) *SyncService {
	if cooldown <= 0 {
		cooldown = DefaultSyncCooldown
	}
	return &SyncService{
		registry: registry,
		interval: interval,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Every(cooldown), 1),
	}
}

// Start runs a sync every interval until ctx is done or Stop is called.
// The interval must be positive.
func (s *SyncService) Start(ctx context.Context) {
	s.logger.Info("starting sync service", "interval", s.interval)

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

func (s *SyncService) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.schedule()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync service stopped")
			return
		case <-ticker.C:
			if _, err := s.sync(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled sync failed", "error", err)
			}
			s.schedule()
		}
	}
}

// Stop ends the schedule and waits for a running sync to finish.
func (s *SyncService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// TriggerSync runs a sync now. Inside the cooldown it returns a
// *RateLimitError.
func (s *SyncService) TriggerSync(ctx context.Context) (SyncResult, error) {
	r := s.limiter.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return SyncResult{}, &RateLimitError{RetryAfter: delay}
	}
	return s.sync(ctx)
}

func (s *SyncService) sync(ctx context.Context) (SyncResult, error) {
	s.running.Lock()
	defer s.running.Unlock()

	stats, err := s.registry.Sync(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	total, _, failed := s.registry.Counts()
	res := SyncResult{
		DatasetsAdded:   stats.Added,
		DatasetsUpdated: stats.Updated,
		DatasetsRemoved: stats.Removed,
		DatasetsTotal:   total,
		DatasetsFailed:  failed,
		SyncedAt:        time.Now(),
	}
	if next := s.next.Load(); next != nil {
		res.NextScheduledAt = *next
	}

	s.logger.Info("sync completed",
		"added", res.DatasetsAdded,
		"updated", res.DatasetsUpdated,
		"removed", res.DatasetsRemoved,
		"total", res.DatasetsTotal,
		"failed", res.DatasetsFailed,
	)
	return res, nil
}

func (s *SyncService) schedule() {
	next := time.Now().Add(s.interval)
	s.next.Store(&next)
}

// Interval returns the sync interval.
func (s *SyncService) Interval() time.Duration {
	return s.interval
}
