package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/errors"
)

// RegistryConfig configures the worker runtime shared by all queues
type RegistryConfig struct {
	PollInterval time.Duration
	// StallSweep is how often CleanupStalled runs while started
	StallSweep time.Duration
	// Owner identifies this process in job locks; generated when empty
	Owner string
}

// RegistryConfigFrom converts the pulse section of am.Config
func RegistryConfigFrom(cfg *am.Config) RegistryConfig {
	return RegistryConfig{
		PollInterval: cfg.PollInterval(),
		StallSweep:   time.Duration(cfg.Pulse.StallSweepSeconds) * time.Second,
	}
}

// QueueConfigsFrom returns one QueueConfig per queue known to am
func QueueConfigsFrom(cfg *am.Config) []QueueConfig {
	var out []QueueConfig
	for _, name := range am.QueueNames() {
		out = append(out, QueueConfigFrom(name, cfg.Queue(name)))
	}
	return out
}

// Registry binds handlers to named queues and owns their worker pools
type Registry struct {
	queue  *Queue
	cfg    RegistryConfig
	logger *zap.SugaredLogger
	plog   pulseLogger

	mu       sync.Mutex
	handlers map[string]JobHandler
	pools    map[string]*WorkerPool
	cancel   context.CancelFunc
	sweeper  sync.WaitGroup
	started  bool
}

// NewRegistry creates a registry over queue
func NewRegistry(queue *Queue, cfg RegistryConfig, logger *zap.SugaredLogger) *Registry {
	if cfg.Owner == "" {
		cfg.Owner = NewOwnerID()
	}
	if cfg.StallSweep <= 0 {
		cfg.StallSweep = DefaultStallTimeout
	}
	return &Registry{
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
		plog:     pulseLogger{logger.Named("pulse")},
		handlers: make(map[string]JobHandler),
		pools:    make(map[string]*WorkerPool),
	}
}

// Queue returns the underlying queue
func (r *Registry) Queue() *Queue {
	return r.queue
}

// Register binds handler to a configured queue.
// Panics if the queue is unknown or already has a handler.
func (r *Registry) Register(queue string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queue.Config(queue); !ok {
		panic(fmt.Sprintf("queue not configured: %s", queue))
	}
	if _, exists := r.handlers[queue]; exists {
		panic(fmt.Sprintf("handler already registered for queue: %s", queue))
	}
	r.handlers[queue] = handler
}

// Has reports whether queue has a handler
func (r *Registry) Has(queue string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[queue]
	return ok
}

// Names returns the queues with handlers, sorted
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enqueue adds a job to a named queue
func (r *Registry) Enqueue(ctx context.Context, queue string, payload interface{}, opts Options) (*JobHandle, error) {
	return r.queue.Enqueue(ctx, queue, payload, opts)
}

// Start recovers stalled jobs, then runs a worker pool per registered queue
// and a periodic stall sweeper until Shutdown.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("registry already started")
	}

	if n, err := r.queue.CleanupStalled(ctx); err != nil {
		r.plog.Warnw("Failed to recover stalled jobs", "error", err)
	} else if n > 0 {
		r.plog.Starting("Recovered stalled jobs from previous run", "count", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for queue, handler := range r.handlers {
		cfg, _ := r.queue.Config(queue)
		pool := NewWorkerPool(r.queue, cfg, handler, r.cfg.Owner, r.cfg.PollInterval, r.logger)
		pool.Start(runCtx)
		r.pools[queue] = pool
	}

	workers := 0
	for _, pool := range r.pools {
		_, total, _ := pool.Stats()
		workers += total
	}
	if warning := checkMemoryPressure(workers); warning != "" {
		r.plog.Warnw("Memory pressure warning", "warning", warning, "workers", workers)
	}

	r.sweeper.Add(1)
	go r.sweep(runCtx)

	r.started = true
	r.plog.Pulse("Pulse started", "queues", len(r.pools), "owner", r.cfg.Owner)
	return nil
}

func (r *Registry) sweep(ctx context.Context) {
	defer r.sweeper.Done()
	ticker := time.NewTicker(r.cfg.StallSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.queue.CleanupStalled(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.plog.Warnw("Stall sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				r.plog.Pulse("Recovered stalled jobs", "count", n)
			}
		}
	}
}

// Shutdown stops every pool, waiting up to ctx's deadline for in-flight jobs
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	pools := make([]*WorkerPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.started = false
	r.mu.Unlock()

	r.plog.Closing("Pulse shutting down", "queues", len(pools))

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	for _, pool := range pools {
		wg.Add(1)
		go func(p *WorkerPool) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				errMu.Lock()
				if errs == nil {
					errs = err
				} else {
					errs = errors.WithSecondaryError(errs, err)
				}
				errMu.Unlock()
			}
		}(pool)
	}
	wg.Wait()

	r.cancel()
	r.sweeper.Wait()

	r.mu.Lock()
	r.pools = make(map[string]*WorkerPool)
	r.mu.Unlock()
	return errs
}
