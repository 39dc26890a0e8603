package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultJobLifetime is how long finished parentless jobs are kept.
const DefaultJobLifetime = 7 * 24 * time.Hour

// Janitor removes expired parentless jobs on a cron schedule.
type Janitor struct {
	registry *Registry
	schedule cron.Schedule
	lifetime time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	active bool
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithJobLifetime sets how long terminal parentless jobs are retained.
func WithJobLifetime(d time.Duration) JanitorOption {
	return func(j *Janitor) { j.lifetime = d }
}

// WithJanitorLogger sets the janitor logger.
func WithJanitorLogger(l *zap.Logger) JanitorOption {
	return func(j *Janitor) { j.logger = l }
}

// NewJanitor creates a janitor from a standard five-field cron
// expression, e.g. "0 3 * * *" for three in the morning daily.
func NewJanitor(registry *Registry, cronExpr string, opts ...JanitorOption) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	j := &Janitor{
		registry: registry,
		schedule: schedule,
		lifetime: DefaultJobLifetime,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Start launches the cleanup loop. Calling Start on a running janitor
// is a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	j.active = true
	go j.loop(ctx)
}

// Stop halts the cleanup loop.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.active {
		j.mu.Unlock()
		return
	}
	j.active = false
	cancel, done := j.cancel, j.done
	j.mu.Unlock()
	cancel()
	<-done
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)
	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := j.registry.RemoveParentlessJobs(ctx, j.lifetime); err != nil {
			j.logger.Error("job cleanup failed", zap.Error(err))
		}
	}
}
