package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexuscomm/webhooks/internal/models"
	"github.com/nexuscomm/webhooks/internal/monitoring"
	"github.com/nexuscomm/webhooks/internal/queue"
	"github.com/rs/zerolog/log"
)

// WorkerPoolConfig holds worker pool configuration
type WorkerPoolConfig struct {
	// Workers is the number of concurrent delivery goroutines
	Workers int
	// PollInterval is how often an idle worker checks the queue
	PollInterval time.Duration
	// ReclaimInterval is how often expired claims are returned to a queue
	// that supports it; zero disables the sweep
	ReclaimInterval time.Duration
}

// DefaultWorkerPoolConfig returns the default pool configuration
func DefaultWorkerPoolConfig() *WorkerPoolConfig {
	return &WorkerPoolConfig{
		Workers:         8,
		PollInterval:    250 * time.Millisecond,
		ReclaimInterval: 30 * time.Second,
	}
}

// WorkerPool runs queued delivery attempts. Each job is one attempt; a failed
// attempt is re-enqueued with its backoff delay, so no worker sleeps between
// retries.
type WorkerPool struct {
	queue      queue.Queue
	store      EndpointStore
	dispatcher *Dispatcher
	lifecycle  *Lifecycle
	workers    int
	interval   time.Duration
	reclaim    time.Duration

	// OnOutcome is called once per delivery that reaches a terminal state
	OnOutcome func(*models.DeliveryResult)

	inFlight atomic.Int64
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewWorkerPool creates a worker pool
func NewWorkerPool(q queue.Queue, store EndpointStore, dispatcher *Dispatcher, lifecycle *Lifecycle, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		config = DefaultWorkerPoolConfig()
	}
	if lifecycle == nil {
		lifecycle = NewLifecycle()
	}
	workers := config.Workers
	if workers <= 0 {
		workers = 1
	}
	interval := config.PollInterval
	if interval <= 0 {
		interval = DefaultWorkerPoolConfig().PollInterval
	}
	return &WorkerPool{
		queue:      q,
		store:      store,
		dispatcher: dispatcher,
		lifecycle:  lifecycle,
		workers:    workers,
		interval:   interval,
		reclaim:    config.ReclaimInterval,
	}
}

// Start launches the workers
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	if r, ok := p.queue.(queue.Reclaimer); ok && p.reclaim > 0 {
		p.wg.Add(1)
		go p.sweep(ctx, r)
	}

	log.Info().Int("workers", p.workers).Dur("poll_interval", p.interval).Msg("Webhook worker pool started")
	return nil
}

// Stop signals the workers and waits for jobs in progress to finish
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	log.Info().Msg("Webhook worker pool stopped")
}

// IsRunning returns whether the pool is running
func (p *WorkerPool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Wait blocks until the queue is empty and no job is in progress, or ctx ends.
// Jobs scheduled for a later retry count as queued.
func (p *WorkerPool) Wait(ctx context.Context) error {
	ticker := time.NewTicker(p.interval / 2)
	defer ticker.Stop()
	for {
		n, err := p.queue.Len(ctx)
		if err == nil && n == 0 && p.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, worker int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drain(ctx, worker)
		}
	}
}

// sweep returns jobs abandoned by crashed peers to the queue
func (p *WorkerPool) sweep(ctx context.Context, r queue.Reclaimer) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reclaim)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := r.Recover(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Failed to reclaim expired delivery jobs")
			}
		}
	}
}

// drain processes ready jobs until the queue has none or the pool stops
func (p *WorkerPool) drain(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		p.inFlight.Add(1)
		job, err := p.queue.Dequeue(ctx)
		if err != nil || job == nil {
			p.inFlight.Add(-1)
			if err != nil && !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
				log.Error().Err(err).Int("worker", worker).Msg("Failed to dequeue delivery job")
			}
			if worker == 0 {
				if n, err := p.queue.Len(ctx); err == nil {
					monitoring.SetQueueDepth(n)
				}
			}
			return
		}

		p.process(ctx, job)
		p.inFlight.Add(-1)
	}
}

// process runs one attempt of a job and schedules what follows
func (p *WorkerPool) process(ctx context.Context, job *queue.Job) {
	complete := true
	defer func() {
		if !complete {
			return
		}
		if err := p.queue.Complete(context.WithoutCancel(ctx), job); err != nil {
			log.Error().Err(err).Str("job", job.Key()).Msg("Failed to complete delivery job")
		}
	}()

	result := &models.DeliveryResult{WebhookID: job.WebhookID, EventID: job.Event.ID}

	ep, err := p.store.GetByID(ctx, job.WebhookID)
	if errors.Is(err, ErrEndpointNotFound) {
		// deleted through another process
		p.dispatcher.Forget(job.WebhookID)
		result.Status = models.DeliveryStatusCancelled
		p.finish(result)
		return
	}
	if err != nil {
		// storage outage: run the same attempt again later, or leave the claim for recovery
		log.Error().Err(err).Str("job", job.Key()).Msg("Failed to load webhook endpoint")
		if enqErr := p.queue.Enqueue(context.WithoutCancel(ctx), job, p.dispatcher.Backoff(0)); enqErr != nil {
			complete = false
		}
		return
	}
	if !ep.IsActive {
		result.Status = models.DeliveryStatusCancelled
		p.finish(result)
		return
	}

	runCtx, release := p.lifecycle.Context(ctx, ep.ID)
	attempt := p.dispatcher.Attempt(runCtx, ep, &job.Event, job.Attempt)
	release()
	result.Attempts = []*models.DeliveryAttempt{attempt}

	switch {
	case attempt.IsSuccessful:
		result.Status = models.DeliveryStatusDelivered
		p.finish(result)
	case job.Attempt >= ep.MaxRetries:
		result.Status = models.DeliveryStatusFailed
		p.finish(result)
	default:
		delay := p.dispatcher.Backoff(job.Attempt)
		if err := p.queue.Enqueue(context.WithoutCancel(ctx), job.Next(), delay); err != nil {
			log.Error().Err(err).Str("job", job.Key()).Msg("Failed to schedule delivery retry")
			complete = false
			return
		}
		log.Debug().
			Str("webhook_id", ep.ID.String()).
			Str("event_id", job.Event.ID.String()).
			Int("next_attempt", job.Attempt+1).
			Dur("delay", delay).
			Msg("Delivery retry scheduled")
	}
}

func (p *WorkerPool) finish(result *models.DeliveryResult) {
	RecordOutcome(result)
	if p.OnOutcome != nil {
		p.OnOutcome(result)
	}
}
