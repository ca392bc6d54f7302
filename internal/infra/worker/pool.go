// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"errors"
	"sync"

	"hearing-summarizer/internal/domain"
	"hearing-summarizer/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// Task is one unit of admitted work. It runs to completion (including its own retry
// loop) on a single worker before that worker accepts anything else.
type Task = func(ctx context.Context) error

type queued struct {
	key  string
	task Task
}

// Pool is the process-wide bounded worker pool shared by every job. The queue is
// unbounded and strictly FIFO; the number of workers is fixed at construction.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queued
	stopped bool
	busy    int

	wg  sync.WaitGroup
	n   int
	log *zerolog.Logger
}

func NewPool(workers int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	l := logger.With().Str("component", "WorkerPool").Logger()
	p := &Pool{n: workers, log: &l}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Size is the configured number of workers.
func (p *Pool) Size() int { return p.n }

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				item, ok := p.next()
				if !ok {
					return
				}
				if err := item.task(ctx); err != nil && !errors.Is(err, context.Canceled) {
					p.log.Error().Err(err).Int("worker", id).Str("key", item.key).Msg("task error")
				}
				p.done()
			}
		}(i)
	}
	go func() {
		<-ctx.Done()
		p.Stop()
	}()
}

// Stop stops admitting work, lets the running tasks finish and drops the queue.
// Dropped tasks are never run; their owners recover them via the startup sweep.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		if len(p.queue) > 0 {
			p.log.Warn().Int("dropped", len(p.queue)).Msg("worker pool stopped with queued tasks")
		}
		p.queue = nil
		metrics.SetSchedulerQueueDepth(0)
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit enqueues a task under a descriptive key (the variant id).
func (p *Pool) Submit(key string, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return domain.ErrSchedulerClosed
	}
	p.queue = append(p.queue, queued{key: key, task: task})
	metrics.SetSchedulerQueueDepth(len(p.queue))
	p.cond.Signal()
	return nil
}

// Pending is the number of admitted-but-not-started tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) next() (queued, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return queued{}, false
	}
	item := p.queue[0]
	p.queue[0] = queued{}
	p.queue = p.queue[1:]
	p.busy++
	metrics.SetSchedulerQueueDepth(len(p.queue))
	metrics.SetSchedulerBusyWorkers(p.busy)
	return item, true
}

func (p *Pool) done() {
	p.mu.Lock()
	p.busy--
	metrics.SetSchedulerBusyWorkers(p.busy)
	p.mu.Unlock()
}
