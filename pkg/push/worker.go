package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Worker drives the delivery state machine: a single long-lived loop
// that wakes on a fixed interval and processes one batch of due
// deliveries per tick. Exactly one worker drains the queue by
// construction; the row state machine assumes single-writer access.
type Worker struct {
	svc      *Service
	workerID uuid.UUID
	logger   *slog.Logger

	pollInterval    time.Duration
	batchLimit      int
	shutdownTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type workerOptions struct {
	pollInterval    time.Duration
	batchLimit      int
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerOptions)

// WithPollInterval overrides the configured poll interval.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithBatchLimit overrides the per-tick batch size.
func WithBatchLimit(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.batchLimit = n
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for the in-flight
// batch to finish.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithWorkerLogger sets the logger used by the worker.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewWorker creates a delivery worker over the given service. Defaults
// come from the service configuration.
func NewWorker(svc *Service, opts ...WorkerOption) (*Worker, error) {
	if svc == nil {
		return nil, ErrServiceNil
	}

	options := &workerOptions{
		pollInterval:    svc.cfg.PollInterval,
		batchLimit:      svc.cfg.BatchLimit,
		shutdownTimeout: svc.cfg.ShutdownTimeout,
		logger:          svc.logger,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.pollInterval <= 0 {
		options.pollInterval = 5 * time.Second
	}
	if options.shutdownTimeout <= 0 {
		options.shutdownTimeout = 3 * time.Second
	}

	return &Worker{
		svc:             svc,
		workerID:        uuid.New(),
		logger:          options.logger,
		pollInterval:    options.pollInterval,
		batchLimit:      options.batchLimit,
		shutdownTimeout: options.shutdownTimeout,
	}, nil
}

// Start begins the polling loop in the background. With the engine
// disabled the loop still runs but every tick is a no-op, so hosts can
// start the worker unconditionally.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return ErrWorkerStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(loopCtx, w.done)

	w.logger.Info("push worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("batch_limit", w.batchLimit))

	return nil
}

// Stop signals the loop to exit and waits up to the shutdown timeout
// for the in-flight batch to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel == nil {
		return ErrWorkerNotStarted
	}
	cancel()

	select {
	case <-done:
	case <-time.After(w.shutdownTimeout):
		return ErrShutdownTimeout
	}

	w.logger.Info("push worker stopped", slog.String("worker_id", w.workerID.String()))
	return nil
}

// Run starts the worker and returns a function suitable for errgroup:
// it blocks until ctx is cancelled, then stops the worker.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return w.Stop()
	}
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick processes one batch. Errors and panics are contained here so a
// bad batch never terminates the loop.
func (w *Worker) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while processing deliveries",
				slog.String("worker_id", w.workerID.String()),
				slog.Any("panic", r))
		}
	}()

	stats, err := w.svc.ProcessDueDeliveries(ctx, w.batchLimit, time.Now())
	if err != nil {
		w.logger.Error("failed to process due deliveries",
			slog.String("worker_id", w.workerID.String()),
			slog.String("error", err.Error()))
		return
	}

	if stats.Sent > 0 || stats.Retried > 0 || stats.FailedPermanent > 0 {
		w.logger.Info("processed due deliveries",
			slog.String("worker_id", w.workerID.String()),
			slog.Int("sent", stats.Sent),
			slog.Int("retried", stats.Retried),
			slog.Int("failed_permanent", stats.FailedPermanent))
	}
}

// WorkerID returns the worker's unique id, used in logs.
func (w *Worker) WorkerID() string { return w.workerID.String() }
