package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bluesky-social/fedmod/moderation/models"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrShutdown = errors.New("scheduler is shut down")

// Scheduler runs fan-out jobs on a fixed number of workers. Jobs sharing a key (the domain) are run one at a time, in the order they were added; jobs with different keys run concurrently.
type Scheduler struct {
	maxConcurrency int

	do func(context.Context, *models.FanoutJob) error

	// cancelled at the start of shutdown
	ctx    context.Context
	cancel context.CancelFunc

	feeder chan *task
	out    chan struct{}

	lk       sync.Mutex
	active   map[string][]*task
	shutdown bool
	idle     *sync.Cond

	ident string

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsQueued    prometheus.Gauge
	workersActive  prometheus.Gauge

	log *slog.Logger
}

type task struct {
	key     string
	job     *models.FanoutJob
	control string
}

func NewScheduler(maxC int, ident string, do func(context.Context, *models.FanoutJob) error) *Scheduler {
	if maxC < 1 {
		maxC = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Scheduler{
		maxConcurrency: maxC,

		do: do,

		ctx:    ctx,
		cancel: cancel,

		feeder: make(chan *task),
		active: make(map[string][]*task),
		out:    make(chan struct{}),

		ident: ident,

		itemsAdded:     workItemsAdded.WithLabelValues(ident),
		itemsProcessed: workItemsProcessed.WithLabelValues(ident),
		itemsQueued:    workItemsQueued.WithLabelValues(ident),
		workersActive:  workersActive.WithLabelValues(ident),

		log: slog.Default().With("system", "scheduler", "pool", ident),
	}
	p.idle = sync.NewCond(&p.lk)

	for i := 0; i < maxC; i++ {
		go p.worker()
	}

	p.workersActive.Set(float64(maxC))

	return p
}

// Shutdown cancels the context passed to running jobs, then stops all workers. Jobs still queued behind a key are handed to the job func with the cancelled context.
func (p *Scheduler) Shutdown() {
	p.log.Info("shutting down fan-out scheduler")

	p.lk.Lock()
	p.shutdown = true
	p.lk.Unlock()

	// fan-out checkpoints after every batch, so a running job can stop at its next batch boundary
	p.cancel()

	for i := 0; i < p.maxConcurrency; i++ {
		p.feeder <- &task{
			control: "stop",
		}
	}

	close(p.feeder)

	for i := 0; i < p.maxConcurrency; i++ {
		<-p.out
	}
	p.workersActive.Set(0)

	p.log.Info("fan-out scheduler shutdown complete")
}

// AddWork queues a job under the given key. It only blocks if every worker is busy with other keys.
func (p *Scheduler) AddWork(ctx context.Context, key string, job *models.FanoutJob) error {
	t := &task{
		key: key,
		job: job,
	}
	p.lk.Lock()
	if p.shutdown {
		p.lk.Unlock()
		return ErrShutdown
	}
	p.itemsAdded.Inc()

	a, ok := p.active[key]
	if ok {
		p.active[key] = append(a, t)
		p.itemsQueued.Inc()
		p.lk.Unlock()
		return nil
	}

	p.active[key] = []*task{}
	p.lk.Unlock()

	select {
	case p.feeder <- t:
		return nil
	case <-ctx.Done():
		p.lk.Lock()
		// hand any work queued behind this task to the caller's next attempt; the jobs are durable and will be re-dispatched
		dropped := len(p.active[key])
		delete(p.active, key)
		p.itemsQueued.Sub(float64(dropped))
		p.idle.Broadcast()
		p.lk.Unlock()
		return ctx.Err()
	}
}

// Returns true if a job for the key is running or queued
func (p *Scheduler) Busy(key string) bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	_, ok := p.active[key]
	return ok
}

// WaitIdle blocks until no jobs are running or queued, for any key.
func (p *Scheduler) WaitIdle() {
	p.lk.Lock()
	defer p.lk.Unlock()
	for len(p.active) > 0 {
		p.idle.Wait()
	}
}

func (p *Scheduler) worker() {
	for work := range p.feeder {
		for work != nil {
			if work.control == "stop" {
				p.out <- struct{}{}
				return
			}

			if err := p.do(p.ctx, work.job); err != nil {
				p.log.Error("fan-out job failed", "key", work.key, "job", work.job.ID, "err", err)
			}
			p.itemsProcessed.Inc()

			p.lk.Lock()
			rem, ok := p.active[work.key]
			if !ok {
				p.log.Error("should always have an 'active' entry if a worker is processing a job")
			}

			if len(rem) == 0 {
				delete(p.active, work.key)
				work = nil
				p.idle.Broadcast()
			} else {
				work = rem[0]
				p.active[work.key] = rem[1:]
				p.itemsQueued.Dec()
			}
			p.lk.Unlock()
		}
	}
}
