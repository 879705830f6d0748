package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// JobFunc is one scheduled unit of background work.
type JobFunc func(ctx context.Context) error

// Manager runs background jobs on fixed intervals. A job never overlaps with
// itself; a run that overshoots its interval pushes the next one back.
type Manager struct {
	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	timeout   time.Duration

	mu    sync.Mutex
	names []string
}

// NewManager builds a stopped manager. timeout bounds a single run; zero
// leaves runs bounded only by Stop.
func NewManager(timeout time.Duration) (*Manager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweep: create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{scheduler: s, ctx: ctx, cancel: cancel, timeout: timeout}, nil
}

// Register adds a job running every interval.
func (m *Manager) Register(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("sweep: job %s: interval must be positive", name)
	}
	if fn == nil {
		return errors.New("sweep: job function required")
	}
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { m.execute(name, fn) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("sweep: register job %s: %w", name, err)
	}
	m.mu.Lock()
	m.names = append(m.names, name)
	m.mu.Unlock()
	return nil
}

func (m *Manager) execute(name string, fn JobFunc) {
	ctx := m.ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := fn(ctx); err != nil {
		if ctx.Err() != nil && m.ctx.Err() != nil {
			return
		}
		slog.Error("fundround/sweep: job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	slog.Debug("fundround/sweep: job finished", "job", name, "duration", time.Since(start))
}

// Start begins scheduling registered jobs.
func (m *Manager) Start() {
	m.scheduler.Start()
	m.mu.Lock()
	defer m.mu.Unlock()
	slog.Info("fundround/sweep: scheduler started", "jobs", m.names)
}

// Stop cancels running jobs and waits for the scheduler to drain.
func (m *Manager) Stop() error {
	m.cancel()
	if err := m.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("sweep: shutdown scheduler: %w", err)
	}
	slog.Info("fundround/sweep: scheduler stopped")
	return nil
}
