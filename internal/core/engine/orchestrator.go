package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gridlens/gridlens/internal/core"
	"github.com/gridlens/gridlens/internal/core/queue"
	"github.com/gridlens/gridlens/internal/observability"
)

// Caller performs the external request described by a job payload.
type Caller interface {
	Call(ctx context.Context, payload core.Payload) (*core.Response, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, payload core.Payload) (*core.Response, error)

func (f CallerFunc) Call(ctx context.Context, payload core.Payload) (*core.Response, error) {
	return f(ctx, payload)
}

// Orchestrator claims batches of jobs and runs them through the APIManager.
// Jobs for one resource run in claim order; distinct resources run
// concurrently up to Workers.
type Orchestrator struct {
	Queue        *queue.Queue
	Manager      *APIManager
	Caller       Caller
	BatchSize    int
	Workers      int
	PollInterval time.Duration
	Logger       observability.Logger
}

// PassResult summarizes one orchestration pass.
type PassResult struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Released  int `json:"released"`
}

func (r *PassResult) add(other PassResult) {
	r.Claimed += other.Claimed
	r.Completed += other.Completed
	r.Failed += other.Failed
	r.Retried += other.Retried
	r.Released += other.Released
}

// Run executes passes until ctx is cancelled. Pass errors are logged and
// never stop the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.validate(); err != nil {
		return err
	}

	interval := o.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		result, err := o.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			o.logger().Error("Orchestration pass failed", zap.Error(err))
		}
		if result.Claimed > 0 {
			o.logger().Info("Orchestration pass finished",
				zap.Int("claimed", result.Claimed),
				zap.Int("completed", result.Completed),
				zap.Int("failed", result.Failed),
				zap.Int("retried", result.Retried),
				zap.Int("released", result.Released))
		}

		// A full batch with nothing held back means more work is likely waiting.
		next := interval
		if err == nil && result.Claimed == o.batchSize() && result.Released == 0 {
			next = 0
		}
		timer.Reset(next)
	}
}

// RunOnce claims one batch and settles every claimed job before returning.
func (o *Orchestrator) RunOnce(ctx context.Context) (PassResult, error) {
	var result PassResult
	if err := o.validate(); err != nil {
		return result, err
	}

	jobs, err := o.Queue.Claim(ctx, o.batchSize())
	if err != nil {
		return result, err
	}
	result.Claimed = len(jobs)
	if len(jobs) == 0 {
		return result, nil
	}

	var (
		mu     sync.Mutex
		errs   []error
		groups = groupByResource(jobs)
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers())
	for _, group := range groups {
		g.Go(func() error {
			partial, groupErr := o.runGroup(gCtx, group)
			mu.Lock()
			result.add(partial)
			if groupErr != nil {
				errs = append(errs, groupErr)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return result, errors.Join(errs...)
}

// runGroup runs the jobs of one resource in order. After a gate refusal
// the remaining jobs are released: the same gate would refuse them too.
func (o *Orchestrator) runGroup(ctx context.Context, jobs []core.EnrichmentJob) (PassResult, error) {
	var (
		result PassResult
		errs   []error
	)

	for i, job := range jobs {
		if ctx.Err() != nil {
			o.releaseAll(ctx, jobs[i:], ctx.Err(), &result, &errs)
			break
		}

		_, err := o.Manager.Invoke(ctx, job.Resource(), func(callCtx context.Context) (*core.Response, error) {
			return o.Caller.Call(callCtx, job.Payload)
		})

		switch {
		case err == nil:
			if settleErr := o.Queue.CompleteJob(ctx, job); settleErr != nil {
				errs = append(errs, settleErr)
				continue
			}
			result.Completed++

		case ctx.Err() != nil:
			o.releaseAll(ctx, jobs[i:], err, &result, &errs)
			return result, errors.Join(errs...)

		case errors.Is(err, core.ErrUnknownResource):
			if settleErr := o.Queue.FailJob(ctx, job, err.Error()); settleErr != nil {
				errs = append(errs, settleErr)
				continue
			}
			result.Failed++

		case core.KindOf(err).Retryable():
			o.logger().Debug("Resource gate refused job",
				zap.String("resource", job.Resource()),
				zap.String("job_id", job.ID),
				zap.String("kind", string(core.KindOf(err))),
				zap.Int("released", len(jobs)-i))
			o.releaseAll(ctx, jobs[i:], err, &result, &errs)
			return result, errors.Join(errs...)

		default:
			status, settleErr := o.Queue.FailAttempt(ctx, job, err.Error())
			if settleErr != nil {
				errs = append(errs, settleErr)
				continue
			}
			if status == core.JobPending {
				result.Retried++
			} else {
				result.Failed++
			}
			o.logger().Warn("Enrichment call failed",
				zap.String("resource", job.Resource()),
				zap.String("job_id", job.ID),
				zap.String("status", string(status)),
				zap.Error(err))
		}
	}

	return result, errors.Join(errs...)
}

// releaseAll returns jobs to pending. It detaches from ctx so jobs are
// released during shutdown too.
func (o *Orchestrator) releaseAll(ctx context.Context, jobs []core.EnrichmentJob, cause error, result *PassResult, errs *[]error) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	for _, job := range jobs {
		if err := o.Queue.ReleaseJob(releaseCtx, job, cause); err != nil {
			*errs = append(*errs, err)
			continue
		}
		result.Released++
	}
}

// groupByResource splits jobs per resource, keeping claim order within each
// group and ordering groups by their first job.
func groupByResource(jobs []core.EnrichmentJob) [][]core.EnrichmentJob {
	index := make(map[string]int)
	var groups [][]core.EnrichmentJob
	for _, job := range jobs {
		i, ok := index[job.Resource()]
		if !ok {
			i = len(groups)
			index[job.Resource()] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], job)
	}
	return groups
}

func (o *Orchestrator) validate() error {
	switch {
	case o == nil || o.Queue == nil:
		return core.ErrStoreNotConfigured
	case o.Manager == nil:
		return errors.New("orchestrator: api manager is required")
	case o.Caller == nil:
		return errors.New("orchestrator: caller is required")
	}
	return nil
}

func (o *Orchestrator) batchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return 10
}

func (o *Orchestrator) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return 1
}

func (o *Orchestrator) logger() observability.Logger {
	return observability.LoggerOrNop(o.Logger)
}
