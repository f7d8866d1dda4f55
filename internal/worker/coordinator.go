package worker

import (
	"context"
	goerrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/datavault/pkg/archive"
	"github.com/ajitpratap0/datavault/pkg/config"
	"github.com/ajitpratap0/datavault/pkg/errors"
	"github.com/ajitpratap0/datavault/pkg/extract"
	"github.com/ajitpratap0/datavault/pkg/jobstore"
	"github.com/ajitpratap0/datavault/pkg/logger"
	"github.com/ajitpratap0/datavault/pkg/metrics"
	"github.com/ajitpratap0/datavault/pkg/ratebudget"
	"github.com/ajitpratap0/datavault/pkg/upload"
)

// Coordinator drives jobs through extract, package and upload. One
// Coordinator runs cfg.Concurrency loops; several processes can run
// coordinators against the same queue and stores, and redelivered
// duplicates of a job converge on a single committed archive.
type Coordinator struct {
	cfg        config.WorkerConfig
	queue      Queue
	store      jobstore.Store
	budget     *ratebudget.Budget
	uploader   *upload.Uploader
	extractors map[string]extract.Extractor
	logger     *zap.Logger

	mu        sync.Mutex
	active    map[string]context.CancelFunc
	cancelled map[string]bool

	wg sync.WaitGroup
}

// New builds a Coordinator. Every configured source gets its extractor
// constructed up front so misconfiguration fails at startup, not
// mid-job.
func New(cfg *config.Config, queue Queue, store jobstore.Store, budget *ratebudget.Budget, uploader *upload.Uploader) (*Coordinator, error) {
	extractors := make(map[string]extract.Extractor, len(cfg.Sources))
	for sourceID, srcCfg := range cfg.Sources {
		ex, err := extract.New(sourceID, srcCfg)
		if err != nil {
			return nil, err
		}
		extractors[sourceID] = ex
	}

	return &Coordinator{
		cfg:        cfg.Worker,
		queue:      queue,
		store:      store,
		budget:     budget,
		uploader:   uploader,
		extractors: extractors,
		logger:     logger.Get().With(zap.String("component", "coordinator")),
		active:     make(map[string]context.CancelFunc),
		cancelled:  make(map[string]bool),
	}, nil
}

// Run starts the coordinator loops and blocks until ctx ends and all
// in-flight jobs have settled.
func (c *Coordinator) Run(ctx context.Context) {
	n := c.cfg.Concurrency
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		c.wg.Add(1)
		go c.loop(ctx, i)
	}
	c.wg.Wait()
}

// Cancel requests cancellation of a running job. The job observes it
// at the next stage boundary, fails with reason cancelled, and its
// partial archive is discarded. Cancelling an unknown job is a no-op.
func (c *Coordinator) Cancel(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.active[jobID]; ok {
		c.cancelled[jobID] = true
		cancel()
	}
}

func (c *Coordinator) loop(ctx context.Context, id int) {
	defer c.wg.Done()
	log := c.logger.With(zap.Int("worker", id))

	for {
		job, ack, err := c.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", zap.Error(err))
			continue
		}
		c.process(ctx, job, ack)
	}
}

func (c *Coordinator) process(ctx context.Context, job *jobstore.JobDescriptor, ack Ack) {
	log := c.logger.With(
		zap.String("job_id", job.JobID),
		zap.String("source", job.SourceID),
		zap.Int("attempt", job.Attempt+1))

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	timer := metrics.NewTimer(metrics.JobDuration.WithLabelValues(job.SourceID))
	defer timer.Stop()

	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.JobTimeout)
	c.register(job.JobID, cancel)
	defer c.unregister(job.JobID, cancel)

	log.Info("job started")
	key, err := c.run(jobCtx, job)
	c.settle(ctx, jobCtx, job, ack, key, err, log)
}

// run executes the job's stages. Cancellation is checked at every
// stage boundary so a cancel request never has to wait for a slow
// provider call to finish a later stage.
func (c *Coordinator) run(ctx context.Context, job *jobstore.JobDescriptor) (string, error) {
	ex, ok := c.extractors[job.SourceID]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeConfig, "no source configured with id %s", job.SourceID)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.store.UpdateStatus(ctx, job.JobID, jobstore.StatusExtracting); err != nil {
		return "", err
	}

	extractTimer := metrics.NewTimer(metrics.StageDuration.WithLabelValues(job.SourceID, "extracting"))
	stream, err := ex.Extract(ctx, job.Credentials, c.budget)
	if err != nil {
		return "", err
	}

	builder, err := archive.NewBuilder(job.JobID, job.SourceID)
	if err != nil {
		return "", err
	}
	if err := builder.Consume(ctx, stream); err != nil {
		builder.Abort()
		return "", err
	}
	extractTimer.Stop()

	if err := ctx.Err(); err != nil {
		builder.Abort()
		return "", err
	}
	if err := c.store.UpdateStatus(ctx, job.JobID, jobstore.StatusPackaging); err != nil {
		builder.Abort()
		return "", err
	}

	packageTimer := metrics.NewTimer(metrics.StageDuration.WithLabelValues(job.SourceID, "packaging"))
	a, err := builder.Finalize()
	if err != nil {
		builder.Abort()
		return "", err
	}
	defer a.Discard()
	packageTimer.Stop()
	metrics.ItemsExtracted.WithLabelValues(job.SourceID).Add(float64(len(a.Manifest.Entries)))

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.store.UpdateStatus(ctx, job.JobID, jobstore.StatusUploading); err != nil {
		return "", err
	}

	uploadTimer := metrics.NewTimer(metrics.StageDuration.WithLabelValues(job.SourceID, "uploading"))
	key, err := c.uploader.Publish(ctx, a)
	if err != nil {
		return "", err
	}
	uploadTimer.Stop()
	metrics.BytesUploaded.WithLabelValues(job.SourceID).Add(float64(a.Size))

	if err := c.store.RecordResult(ctx, job.JobID, key); err != nil {
		return "", err
	}
	return key, nil
}

// settle records the job's outcome and settles the queue delivery.
func (c *Coordinator) settle(parent, jobCtx context.Context, job *jobstore.JobDescriptor, ack Ack, key string, err error, log *zap.Logger) {
	if err == nil {
		ack.Ack()
		metrics.JobsProcessed.WithLabelValues(job.SourceID, "completed").Inc()
		log.Info("job completed", zap.String("storage_key", key))
		return
	}

	switch {
	case c.wasCancelled(job.JobID):
		c.recordFailure(job, string(errors.ErrorTypeCancelled), log)
		ack.Ack()

	case goerrors.Is(err, context.DeadlineExceeded) || goerrors.Is(jobCtx.Err(), context.DeadlineExceeded):
		// The wall-clock budget is spent; more attempts will not help.
		c.recordFailure(job, string(errors.ErrorTypeRetriesExhausted), log)
		ack.Ack()

	case parent.Err() != nil:
		// Process shutdown mid-job; hand it back untouched.
		log.Info("job interrupted by shutdown, requeueing")
		ack.Nack(0)

	case errors.IsRetryable(err):
		if job.Attempt+1 >= c.cfg.MaxAttempts {
			log.Warn("retry budget exhausted", zap.Error(err))
			c.recordFailure(job, string(errors.ErrorTypeRetriesExhausted), log)
			ack.Ack()
			return
		}
		delay := c.backoff(job.Attempt)
		log.Warn("job failed with retryable error, requeueing",
			zap.Error(err), zap.Duration("delay", delay))
		if uerr := c.store.UpdateStatus(parent, job.JobID, jobstore.StatusQueued); uerr != nil {
			log.Error("failed to reset job status", zap.Error(uerr))
		}
		metrics.JobsProcessed.WithLabelValues(job.SourceID, "requeued").Inc()
		metrics.QueueRedeliveries.WithLabelValues(job.SourceID).Inc()
		ack.Nack(delay)

	default:
		log.Error("job failed", zap.Error(err))
		c.recordFailure(job, string(errors.TypeOf(err)), log)
		ack.Ack()
	}
}

func (c *Coordinator) recordFailure(job *jobstore.JobDescriptor, reason string, log *zap.Logger) {
	// Outcome writes use a fresh context so a dead job context cannot
	// block the failure record.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.RecordFailure(ctx, job.JobID, reason); err != nil {
		log.Error("failed to record job failure", zap.Error(err))
	}
	metrics.JobsProcessed.WithLabelValues(job.SourceID, "failed").Inc()
	log.Warn("job failed terminally", zap.String("reason", reason))
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	delay := c.cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	mult := c.cfg.RetryMultiplier
	if mult < 1 {
		mult = 2
	}
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if c.cfg.MaxRetryDelay > 0 && delay >= c.cfg.MaxRetryDelay {
			return c.cfg.MaxRetryDelay
		}
	}
	return delay
}

func (c *Coordinator) register(jobID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[jobID] = cancel
}

func (c *Coordinator) unregister(jobID string, cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, jobID)
	delete(c.cancelled, jobID)
}

func (c *Coordinator) wasCancelled(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[jobID]
}
