package usecase

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"resume-docgen/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultWorkers     = 2
	DefaultIdleBackoff = 500 * time.Millisecond
	DefaultPollRate    = 20.0
	maxErrorBackoff    = 30 * time.Second
	reportTimeout      = 10 * time.Second
	// renderGrace covers composing and storing around the engine run.
	renderGrace = 15 * time.Second

	// engineMemoryBytes approximates one headless Chrome rendering a resume.
	engineMemoryBytes = 300 << 20
	memoryBuffer      = 1 << 30
)

type DispatcherConfig struct {
	Workers     int
	IdleBackoff time.Duration
	// PollRate caps ClaimNext calls per second across all loops.
	PollRate float64
	// JobTimeout bounds handling of one job, engine time included.
	JobTimeout time.Duration
	InstanceID string
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers < 1 {
		c.Workers = DefaultWorkers
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = DefaultIdleBackoff
	}
	if c.PollRate <= 0 {
		c.PollRate = DefaultPollRate
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultRenderTimeout + renderGrace
	}
	if c.InstanceID == "" {
		c.InstanceID = defaultInstanceID()
	}
	return c
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "docgen"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Dispatcher runs exactly Workers loops, each claiming and handling one job
// at a time.
type Dispatcher struct {
	queue   *Queue
	handler Handler
	cfg     DispatcherConfig
	limiter *rate.Limiter
	log     *zap.SugaredLogger

	busy      atomic.Int32
	processed atomic.Int64
}

func NewDispatcher(queue *Queue, handler Handler, cfg DispatcherConfig, log *zap.SugaredLogger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	burst := cfg.Workers
	return &Dispatcher{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.PollRate), burst),
		log:     log.Named("dispatcher"),
	}
}

// Busy reports how many loops are handling a job right now.
func (d *Dispatcher) Busy() int { return int(d.busy.Load()) }

// Processed reports how many jobs have been handled since start.
func (d *Dispatcher) Processed() int64 { return d.processed.Load() }

func (d *Dispatcher) Workers() int { return d.cfg.Workers }

// Run blocks until ctx is cancelled and every loop has finished its current
// job.
func (d *Dispatcher) Run(ctx context.Context) error {
	if warning := d.checkMemoryPressure(); warning != "" {
		d.log.Warnw("memory pressure warning", "warning", warning, "workers", d.cfg.Workers)
	}
	d.log.Infow("dispatcher starting", "workers", d.cfg.Workers, "instance", d.cfg.InstanceID)

	g := new(errgroup.Group)
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-w%d", d.cfg.InstanceID, i)
		g.Go(func() error {
			d.loop(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	d.log.Infow("dispatcher stopped", "processed", d.processed.Load())
	return err
}

func (d *Dispatcher) loop(ctx context.Context, workerID string) {
	log := d.log.With("worker", workerID)
	consecutiveErrors := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}

		job, err := d.queue.ClaimNext(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			wait := d.errorBackoff(consecutiveErrors)
			log.Errorw("claim failed", "error", err, "consecutive_errors", consecutiveErrors, "retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		consecutiveErrors = 0

		if job == nil {
			if !sleep(ctx, d.cfg.IdleBackoff) {
				return
			}
			continue
		}

		d.process(ctx, log, job)
	}
}

func (d *Dispatcher) errorBackoff(n int) time.Duration {
	wait := d.cfg.IdleBackoff
	for i := 1; i < n && wait < maxErrorBackoff; i++ {
		wait *= 2
	}
	if wait > maxErrorBackoff {
		wait = maxErrorBackoff
	}
	return wait
}

// process runs the handler detached from ctx so that shutdown lets the
// current job finish; JobTimeout still bounds it.
func (d *Dispatcher) process(ctx context.Context, log *zap.SugaredLogger, job *domain.RenderJob) {
	d.busy.Add(1)
	defer d.busy.Add(-1)
	defer d.processed.Add(1)

	lease := job.Lease()
	log = log.With("job_id", job.ID, "attempt", job.Attempts)
	log.Infow("processing job")

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.JobTimeout)
	result, err := d.handle(jobCtx, job)
	cancel()

	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancelReport()

	if err == nil {
		if cerr := d.queue.Complete(reportCtx, lease, result); cerr != nil {
			log.Errorw("reporting completion failed", "error", cerr)
		}
		return
	}

	failure := domain.Classify(err)
	log.Warnw("job attempt failed", "error", err, "code", failure.Code, "retryable", failure.Retryable)
	if _, ferr := d.queue.Fail(reportCtx, lease, failure.Reason(), failure.Retryable); ferr != nil {
		log.Errorw("reporting failure failed", "error", ferr)
	}
}

func (d *Dispatcher) handle(ctx context.Context, job *domain.RenderJob) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("handler panic: %v", r), domain.ErrEngineCrash)
		}
	}()
	return d.handler.Handle(ctx, job)
}

// checkMemoryPressure returns a warning when the configured worker count is
// more than available memory can hold engines for.
func (d *Dispatcher) checkMemoryPressure() string {
	v, err := mem.VirtualMemory()
	if err != nil {
		return ""
	}
	recommended := safeWorkerCount(v.Available)
	if d.cfg.Workers > recommended {
		return fmt.Sprintf("worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB)",
			d.cfg.Workers, recommended,
			float64(v.Total-v.Available)/(1<<30), float64(v.Total)/(1<<30))
	}
	return ""
}

func safeWorkerCount(available uint64) int {
	if available <= memoryBuffer {
		return 1
	}
	n := int((available - memoryBuffer) / engineMemoryBytes)
	if n < 1 {
		return 1
	}
	return n
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
