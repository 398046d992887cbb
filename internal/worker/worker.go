// Package worker runs the background loop that drains the notification
// queue at a fixed pace.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/inventory-notify/internal/metrics"
	"github.com/sungwon/inventory-notify/internal/notification"
)

// ErrAlreadyRunning is returned by Run while another Run is active.
var ErrAlreadyRunning = errors.New("worker: already running")

// Processor drains one batch of notifications.
type Processor interface {
	Enabled() bool
	ProcessQueuedNotifications(ctx context.Context, batchSize int) notification.BatchResult
}

// Config controls pacing.
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	BatchSize       int           `mapstructure:"batch_size"`
	PollingInterval time.Duration `mapstructure:"polling_interval"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
}

// DefaultConfig returns batch size 10, a 5s polling interval and a 30s
// batch ceiling.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		BatchSize:       10,
		PollingInterval: 5 * time.Second,
		BatchTimeout:    30 * time.Second,
	}
}

// State is the lifecycle position of the loop.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Stats is a point-in-time view of the worker.
type Stats struct {
	Running         bool       `json:"running"`
	State           State      `json:"state"`
	StartTime       *time.Time `json:"start_time"`
	RuntimeSeconds  float64    `json:"runtime_seconds"`
	BatchSize       int        `json:"batch_size"`
	PollingInterval float64    `json:"polling_interval"`
	TotalProcessed  int        `json:"total_processed"`
	TotalSuccessful int        `json:"total_successful"`
	TotalFailed     int        `json:"total_failed"`
	TotalRetried    int        `json:"total_retried"`
	FailedBatches   int        `json:"failed_batches"`
	LastBatchTime   *time.Time `json:"last_batch_time"`
	LastBatchSize   int        `json:"last_batch_size"`
	SuccessRate     float64    `json:"success_rate"`
}

// Worker is a single polling loop. It is not a pool: one batch runs at a
// time.
type Worker struct {
	cfg  Config
	proc Processor
	log  zerolog.Logger
	now  func() time.Time

	mu            sync.Mutex
	state         State
	stop          chan struct{}
	startTime     time.Time
	processed     int
	successful    int
	failed        int
	retried       int
	failedBatches int
	lastBatchTime time.Time
	lastBatchSize int

	// abandoned receives the outcome of a batch that outlived BatchTimeout.
	// Only the loop goroutine touches it.
	abandoned chan batchOutcome
}

// New creates a stopped Worker. Zero config values take the defaults.
func New(cfg Config, proc Processor, log zerolog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = def.PollingInterval
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	return &Worker{
		cfg:   cfg,
		proc:  proc,
		log:   log.With().Str("component", "worker").Logger(),
		now:   time.Now,
		state: StateStopped,
	}
}

// Run loops until ctx is done or Stop is called. It returns nil right away
// when the processor is disabled. Stop requests are observed at the top of
// each iteration and during the sleep, never in the middle of a batch.
func (w *Worker) Run(ctx context.Context) error {
	if !w.proc.Enabled() {
		w.log.Info().Msg("notification queue disabled, worker not started")
		return nil
	}

	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.state = StateRunning
	w.stop = make(chan struct{})
	w.startTime = w.now()
	stop := w.stop
	w.mu.Unlock()

	metrics.WorkerRunning.Set(1)
	w.log.Info().
		Int("batch_size", w.cfg.BatchSize).
		Dur("polling_interval", w.cfg.PollingInterval).
		Msg("worker started")

	defer func() {
		w.awaitAbandoned()
		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()
		metrics.WorkerRunning.Set(0)
		w.log.Info().Msg("worker stopped")
	}()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if w.exiting(ctx, stop) {
			return nil
		}
		w.awaitAbandoned()
		if w.exiting(ctx, stop) {
			return nil
		}

		w.runBatch(ctx)

		timer.Reset(w.cfg.PollingInterval)
		select {
		case <-ctx.Done():
			w.markStopping()
			return nil
		case <-stop:
			return nil
		case <-timer.C:
		}
	}
}

// exiting reports whether ctx is done or Stop was called, without blocking.
func (w *Worker) exiting(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		w.markStopping()
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func (w *Worker) markStopping() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRunning {
		w.state = StateStopping
		w.log.Info().Msg("worker stopping")
	}
}

// awaitAbandoned blocks until a batch that hit BatchTimeout has returned.
// Batches never overlap and Run never returns while one is still working.
func (w *Worker) awaitAbandoned() {
	if w.abandoned == nil {
		return
	}
	w.log.Warn().Msg("waiting for timed-out batch to return")
	out := <-w.abandoned
	w.abandoned = nil
	if out.panic != nil {
		w.log.Error().Interface("panic", out.panic).Msg("timed-out batch panicked")
	}
}

// Stop asks a running loop to exit. It does not wait.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning {
		return
	}
	w.state = StateStopping
	close(w.stop)
	w.log.Info().Msg("worker stopping")
}

type batchOutcome struct {
	result notification.BatchResult
	panic  any
}

// runBatch runs one batch under BatchTimeout. Cancelling the parent does not
// abort a batch in progress. A panic or a timeout counts as one failure; a
// timed-out batch is left to finish and awaited before the next one.
func (w *Worker) runBatch(parent context.Context) {
	start := w.now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.cfg.BatchTimeout)
	defer cancel()

	done := make(chan batchOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- batchOutcome{panic: r}
			}
		}()
		done <- batchOutcome{result: w.proc.ProcessQueuedNotifications(ctx, w.cfg.BatchSize)}
	}()

	var out batchOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		w.abandoned = done
		w.batchFailed("timeout", fmt.Errorf("batch exceeded %s", w.cfg.BatchTimeout))
		return
	}
	metrics.WorkerBatchDuration.Observe(time.Since(start).Seconds())

	if out.panic != nil {
		w.batchFailed("panic", fmt.Errorf("batch panicked: %v", out.panic))
		return
	}

	res := out.result
	w.mu.Lock()
	w.lastBatchTime = w.now()
	w.lastBatchSize = res.Processed
	w.processed += res.Processed
	w.successful += res.Successful
	w.failed += res.Failed
	w.retried += res.Retried
	w.mu.Unlock()

	if res.Status == notification.StatusError {
		metrics.WorkerBatchesTotal.WithLabelValues("error").Inc()
		w.log.Warn().Strs("errors", res.Errors).Msg("batch could not reach the queue")
		return
	}
	metrics.WorkerBatchesTotal.WithLabelValues("ok").Inc()
	if res.Processed > 0 || res.Failed > 0 {
		w.log.Info().
			Int("processed", res.Processed).
			Int("successful", res.Successful).
			Int("failed", res.Failed).
			Int("retried", res.Retried).
			Msg("batch finished")
	}
}

func (w *Worker) batchFailed(result string, err error) {
	metrics.WorkerBatchesTotal.WithLabelValues(result).Inc()
	w.mu.Lock()
	w.failed++
	w.failedBatches++
	w.mu.Unlock()
	w.log.Error().Err(err).Msg("batch failed")
}

// Stats returns the cumulative counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Stats{
		Running:         w.state == StateRunning,
		State:           w.state,
		BatchSize:       w.cfg.BatchSize,
		PollingInterval: w.cfg.PollingInterval.Seconds(),
		TotalProcessed:  w.processed,
		TotalSuccessful: w.successful,
		TotalFailed:     w.failed,
		TotalRetried:    w.retried,
		FailedBatches:   w.failedBatches,
		LastBatchSize:   w.lastBatchSize,
	}
	if !w.startTime.IsZero() {
		start := w.startTime
		st.StartTime = &start
		st.RuntimeSeconds = w.now().Sub(start).Seconds()
	}
	if !w.lastBatchTime.IsZero() {
		last := w.lastBatchTime
		st.LastBatchTime = &last
	}
	if w.processed > 0 {
		st.SuccessRate = float64(w.successful) / float64(max(w.processed, 1)) * 100
	}
	return st
}
