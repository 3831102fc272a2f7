package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"RiskEngine/internal/ports"
)

// CronScheduler triggers a job on a standard five-field cron expression.
type CronScheduler struct {
	spec     string
	location *time.Location
	logger   *log.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// NewCronScheduler builds a scheduler configured via cron expression string.
func NewCronScheduler(spec string, location *time.Location, logger *log.Logger) *CronScheduler {
	if location == nil {
		location = time.UTC
	}
	return &CronScheduler{spec: spec, location: location, logger: logger}
}

// Start registers job and begins scheduling. It is a no-op when already
// started. The scheduler stops by itself once ctx is done.
func (c *CronScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return nil
	}

	opts := []cron.Option{cron.WithLocation(c.location)}
	if c.logger != nil {
		opts = append(opts, cron.WithLogger(cron.PrintfLogger(c.logger)))
	}
	sched := cron.New(opts...)
	if _, err := sched.AddFunc(c.spec, func() { job(time.Now().In(c.location)) }); err != nil {
		return fmt.Errorf("schedule %q: %w", c.spec, err)
	}
	sched.Start()
	c.cron = sched

	context.AfterFunc(ctx, func() { _ = c.Stop(context.Background()) })
	return nil
}

// Stop halts scheduling and waits for a running job until ctx is done.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	sched := c.cron
	c.cron = nil
	c.mu.Unlock()

	if sched == nil {
		return nil
	}

	select {
	case <-sched.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
