package usecase

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultCompletedTTL    = 24 * time.Hour
	DefaultFailedTTL       = 7 * 24 * time.Hour
	DefaultStaleAfter      = 5 * time.Minute
	DefaultSweepSchedule   = "@every 1h"
	DefaultReclaimSchedule = "@every 1m"
	maintenanceTimeout     = 5 * time.Minute
)

type SweeperConfig struct {
	Schedule        string
	ReclaimSchedule string
	CompletedTTL    time.Duration
	FailedTTL       time.Duration
	StaleAfter      time.Duration
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Schedule == "" {
		c.Schedule = DefaultSweepSchedule
	}
	if c.ReclaimSchedule == "" {
		c.ReclaimSchedule = DefaultReclaimSchedule
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = DefaultCompletedTTL
	}
	if c.FailedTTL <= 0 {
		c.FailedTTL = DefaultFailedTTL
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// Sweeper runs retention and liveness maintenance on cron schedules.
type Sweeper struct {
	queue *Queue
	cfg   SweeperConfig
	cron  *cron.Cron
	log   *zap.SugaredLogger
}

func NewSweeper(queue *Queue, cfg SweeperConfig, log *zap.SugaredLogger) (*Sweeper, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("sweeper")
	clog := cronLogger{log: log}

	s := &Sweeper{
		queue: queue,
		cfg:   cfg,
		log:   log,
		cron: cron.New(
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
	}

	if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.runSweep(context.Background()) }); err != nil {
		return nil, errors.Wrapf(err, "invalid retention schedule %q", cfg.Schedule)
	}
	if _, err := s.cron.AddFunc(cfg.ReclaimSchedule, func() { s.runReclaim(context.Background()) }); err != nil {
		return nil, errors.Wrapf(err, "invalid reclaim schedule %q", cfg.ReclaimSchedule)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.log.Infow("sweeper started", "schedule", s.cfg.Schedule, "reclaim_schedule", s.cfg.ReclaimSchedule,
		"completed_ttl", s.cfg.CompletedTTL, "failed_ttl", s.cfg.FailedTTL, "stale_after", s.cfg.StaleAfter)
	s.cron.Start()
}

// Stop waits for a running pass to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warnw("sweeper stop timed out")
	}
}

// RunOnce performs one retention pass and one reclaim pass.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, int, error) {
	res, err := s.queue.Sweep(ctx, s.cfg.CompletedTTL, s.cfg.FailedTTL)
	if err != nil {
		return res, 0, err
	}
	n, err := s.queue.ReclaimStale(ctx, s.cfg.StaleAfter)
	return res, n, err
}

func (s *Sweeper) runSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()
	if _, err := s.queue.Sweep(ctx, s.cfg.CompletedTTL, s.cfg.FailedTTL); err != nil {
		s.log.Errorw("retention sweep failed", "error", err)
	}
}

func (s *Sweeper) runReclaim(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()
	if _, err := s.queue.ReclaimStale(ctx, s.cfg.StaleAfter); err != nil {
		s.log.Errorw("stale job reclaim failed", "error", err)
	}
}

// cronLogger routes robfig/cron logging into zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
