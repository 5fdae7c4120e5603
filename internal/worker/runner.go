package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/settlepay/backbone/internal/logger"
	"github.com/settlepay/backbone/internal/metrics"
)

// Job is a periodic reconciliation task. Run reports how many rows or keys it changed.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// releaseLock deletes the lock only if this process still owns it.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Runner runs each job on its own ticker. When redis is configured, a job run
// first takes a SET NX lock so only one replica runs it at a time.
type Runner struct {
	redis *redis.Client
	jobs  []Job
	owner string
	log   zerolog.Logger
	wg    sync.WaitGroup
}

func NewRunner(redis *redis.Client, jobs ...Job) *Runner {
	return &Runner{
		redis: redis,
		jobs:  jobs,
		owner: uuid.NewString(),
		log:   logger.New("worker"),
	}
}

// Start launches every job and returns. Jobs stop when ctx is cancelled; Wait blocks until they have.
func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		if job.Interval <= 0 {
			r.log.Warn().Str("job", job.Name).Msg("job disabled: no interval")
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, job)
	}
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.RunOnce(ctx, job); err != nil {
			r.log.Error().Err(err).Str("job", job.Name).Msg("job run failed")
		}
	}
}

func lockKey(job string) string {
	return fmt.Sprintf("worker:lock:%s", job)
}

// RunOnce runs job a single time if the lock can be taken.
func (r *Runner) RunOnce(ctx context.Context, job Job) error {
	if r.redis != nil {
		ttl := job.Interval
		if ttl < time.Second {
			ttl = time.Second
		}
		ok, err := r.redis.SetNX(ctx, lockKey(job.Name), r.owner, ttl).Result()
		if err != nil {
			metrics.WorkerRuns.WithLabelValues(job.Name, "error").Inc()
			return fmt.Errorf("take lock: %w", err)
		}
		if !ok {
			metrics.WorkerRuns.WithLabelValues(job.Name, "skipped").Inc()
			return nil
		}
		defer func() {
			if err := releaseLock.Run(context.Background(), r.redis, []string{lockKey(job.Name)}, r.owner).Err(); err != nil && err != redis.Nil {
				r.log.Warn().Err(err).Str("job", job.Name).Msg("release lock")
			}
		}()
	}

	started := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		metrics.WorkerRuns.WithLabelValues(job.Name, "error").Inc()
		return err
	}
	metrics.WorkerRuns.WithLabelValues(job.Name, "ok").Inc()
	metrics.WorkerAffected.WithLabelValues(job.Name).Add(float64(n))
	if n > 0 {
		r.log.Info().Str("job", job.Name).Int64("affected", n).Dur("took", time.Since(started)).Msg("job run")
	}
	return nil
}
