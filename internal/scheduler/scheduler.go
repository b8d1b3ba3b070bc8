// Package scheduler runs the periodic background workers on the instance
// that holds leadership.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/pkg/metrics"
)

// Job is one periodic worker.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

type Scheduler struct {
	leader  Leadership
	logger  *zap.Logger
	now     func() time.Time
	backoff time.Duration

	mu   sync.Mutex
	jobs []Job
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithCampaignBackoff sets the pause between failed campaigns.
func WithCampaignBackoff(d time.Duration) Option { return func(s *Scheduler) { s.backoff = d } }

func New(leader Leadership, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		leader:  leader,
		logger:  logger.Named("scheduler"),
		now:     func() time.Time { return time.Now().UTC() },
		backoff: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Register(jobs ...Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobs...)
}

// Run campaigns for leadership and runs every job while leading. It returns
// when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for {
		leadCtx, err := s.leader.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("leadership campaign failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.backoff):
			}
			continue
		}

		s.logger.Info("running workers", zap.Int("jobs", len(jobs)))
		var wg sync.WaitGroup
		for _, j := range jobs {
			wg.Add(1)
			go func(j Job) {
				defer wg.Done()
				s.loop(leadCtx, j)
			}(j)
		}
		wg.Wait()

		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("workers stopped after leadership loss")
	}
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.execute(ctx, j)
		}
	}
}

// RunOnce executes the named job immediately.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return s.execute(ctx, j)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) execute(ctx context.Context, j Job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			s.logger.Error("worker panicked", zap.String("worker", j.Name), zap.Any("panic", r), zap.Stack("stack"))
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.WorkerRuns.WithLabelValues(j.Name, outcome).Inc()
	}()

	err = j.Run(ctx, s.now())
	if err != nil && ctx.Err() == nil {
		s.logger.Error("worker failed", zap.String("worker", j.Name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	}
	return err
}
