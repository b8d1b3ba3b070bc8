package notification

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// jobTimeout bounds one delivery so a stuck channel cannot pin a worker.
const jobTimeout = 30 * time.Second

type job struct {
	name string
	ctx  context.Context
	fn   func(ctx context.Context)
}

// Pool runs notification deliveries off the request path.
type Pool struct {
	jobs   chan job
	logger *zap.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers, queue int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{jobs: make(chan job, queue), logger: logger.Named("notification_pool")}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Submit queues fn. ctx contributes its values but not its cancellation.
// It returns false when the queue is full or the pool is closed.
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job{name: name, ctx: context.WithoutCancel(ctx), fn: fn}:
		return true
	default:
		p.logger.Warn("notification queue full, dropping", zap.String("job", name))
		return false
	}
}

// Close stops accepting work and waits for queued jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("notification job panicked", zap.String("job", j.name), zap.Any("panic", r))
		}
	}()
	j.fn(ctx)
}
