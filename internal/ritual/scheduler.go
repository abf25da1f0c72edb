package ritual

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic task run by the Scheduler.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs jobs on a fixed interval in one goroutine. It is the
// in-process alternative to an external cron hitting /process-ritual.
type Scheduler struct {
	Interval time.Duration
	Jobs     []Job
	Logger   *zap.Logger
}

// BatchJob adapts a processor to a scheduler job.
func BatchJob(p *Processor) Job {
	return Job{
		Name: "process-ritual",
		Run: func(ctx context.Context) error {
			_, err := p.ProcessBatch(ctx)
			return err
		},
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			for _, j := range s.Jobs {
				if err := j.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("scheduled job failed", zap.String("job", j.Name), zap.Error(err))
				}
			}
		}
	}
}
