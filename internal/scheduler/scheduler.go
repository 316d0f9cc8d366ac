package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hearthly/calsync/internal/calsync"
	"github.com/hearthly/calsync/internal/db"
	"github.com/hearthly/calsync/internal/logging"
)

const (
	defaultWorkers       = 4
	defaultTick          = time.Minute
	defaultRetentionDays = 30
)

// Syncer runs syncs and reclaims abandoned ones.
type Syncer interface {
	Sync(ctx context.Context, id string, syncType db.SyncType, force bool) (*calsync.Result, error)
	ReclaimExpired(ctx context.Context) (int, error)
}

// Store is the persistence the scheduler needs.
type Store interface {
	ListDueConnections(ctx context.Context, now time.Time) ([]*db.Connection, error)
	CleanOldSyncLogs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config holds scheduler settings.
type Config struct {
	Workers       int
	Tick          time.Duration
	RetentionDays int
}

// Scheduler drives periodic syncs, the lease watchdog and log retention.
type Scheduler struct {
	store  Store
	syncer Syncer
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a new scheduler.
func New(store Store, syncer Syncer, cfg Config, logger *logrus.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if logger == nil {
		logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  store,
		syncer: syncer,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger)))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers the periodic jobs and runs the first tick right away.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Tick), s.tick); err != nil {
		return fmt.Errorf("scheduling sync tick: %w", err)
	}
	if _, err := s.cron.AddFunc("@daily", s.cleanupOldLogs); err != nil {
		return fmt.Errorf("scheduling log retention: %w", err)
	}

	s.started = true
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick()
	}()

	s.logger.WithFields(logrus.Fields{
		"tick":    s.cfg.Tick.String(),
		"workers": s.cfg.Workers,
	}).Info("Scheduler started")
	return nil
}

// Stop cancels running syncs and waits for every job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// tick reclaims expired leases, then runs everything that is due.
func (s *Scheduler) tick() {
	if s.ctx.Err() != nil {
		return
	}

	if n, err := s.syncer.ReclaimExpired(s.ctx); err != nil {
		s.logger.WithError(err).Error("Failed to reclaim expired sync leases")
	} else if n > 0 {
		s.logger.WithField("count", n).Warn("Reclaimed expired sync leases")
	}

	if _, err := s.RunDueSyncs(s.ctx); err != nil {
		s.logger.WithError(err).Error("Failed to run due syncs")
	}
}

// RunDueSyncs syncs every due connection on a bounded pool of workers and
// returns how many were dispatched. Individual sync failures are logged, not
// returned.
func (s *Scheduler) RunDueSyncs(ctx context.Context) (int, error) {
	due, err := s.store.ListDueConnections(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("listing due connections: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	for _, conn := range due {
		id := conn.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			_, err := s.syncer.Sync(ctx, id, db.SyncTypeScheduled, false)
			switch {
			case err == nil:
			case errors.Is(err, calsync.ErrSyncInProgress), errors.Is(err, calsync.ErrNotSyncable):
				// Another worker or a manual sync got there first
				s.logger.WithField("connection_id", id).Debug("Skipping scheduled sync")
			default:
				s.logger.WithError(err).WithField("connection_id", id).Error("Scheduled sync failed")
			}
			return nil
		})
	}

	_ = g.Wait()
	s.logger.WithField("count", len(due)).Debug("Ran due syncs")
	return len(due), nil
}

// RunSyncNow syncs one connection immediately, ignoring its schedule. With
// force a disabled connection is synced too.
func (s *Scheduler) RunSyncNow(ctx context.Context, id string, force bool) (*calsync.Result, error) {
	return s.syncer.Sync(ctx, id, db.SyncTypeManual, force)
}

// TriggerSync starts a manual sync in the background. It is tied to the
// scheduler's lifetime rather than the caller's request, and is dropped when
// the scheduler is not running; the next tick picks the connection up.
func (s *Scheduler) TriggerSync(id string) {
	// Add under mu so it cannot race the Wait in Stop
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.logger.WithField("connection_id", id).Debug("Scheduler not running; sync left for the next tick")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.RunSyncNow(s.ctx, id, false); err != nil && !errors.Is(err, calsync.ErrSyncInProgress) {
			s.logger.WithError(err).WithField("connection_id", id).Warn("Triggered sync did not run")
		}
	}()
}

// cleanupOldLogs deletes sync logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	deleted, err := s.store.CleanOldSyncLogs(s.ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("Failed to clean old sync logs")
		return
	}
	if deleted > 0 {
		s.logger.WithField("count", deleted).Info("Cleaned old sync logs")
	}
}
