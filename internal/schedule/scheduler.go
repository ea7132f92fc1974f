package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Scheduler: delayed one-shot jobs keyed by stable IDs plus cron-driven
// periodic jobs. Re-scheduling an ID replaces the pending job.
// ---------------------------------------------------------------------------

// Job is the unit of scheduled work. ctx is cancelled on Stop.
type Job func(ctx context.Context)

type pending struct {
	timer *time.Timer
	gen   uint64
	due   time.Time
}

// Scheduler runs delayed and periodic jobs against a shared base context.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*pending
	gen     uint64
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	stopped bool
}

// New creates a Scheduler. Periodic jobs start running after Start.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   make(map[string]*pending),
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{}))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// After schedules fn to run once after delay under id. A non-positive delay
// runs fn on the next tick. An existing job with the same id is replaced.
func (s *Scheduler) After(id string, delay time.Duration, fn Job) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.jobs[id]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	p := &pending{gen: gen, due: time.Now().Add(delay)}
	p.timer = time.AfterFunc(delay, func() { s.fire(id, gen, fn) })
	s.jobs[id] = p
}

func (s *Scheduler) fire(id string, gen uint64, fn Job) {
	s.mu.Lock()
	p, ok := s.jobs[id]
	if !ok || p.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, id)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", id).Interface("panic", r).Msg("schedule: job panicked")
		}
	}()
	fn(s.ctx)
}

// Cancel removes a pending job. Returns false if none was pending.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.jobs[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.jobs, id)
	return true
}

// Pending returns the IDs of jobs waiting to fire, sorted.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Due returns when id will fire.
func (s *Scheduler) Due(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.jobs[id]
	if !ok {
		return time.Time{}, false
	}
	return p.due, true
}

// Every registers a periodic job on a cron spec such as "@every 1m".
// Overlapping runs of the same job are skipped.
func (s *Scheduler) Every(name, spec string, fn Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		fn(s.ctx)
		log.Debug().
			Str("job", name).
			Dur("took", time.Since(start)).
			Msg("schedule: periodic job done")
	})
	if err != nil {
		return err
	}
	log.Info().Str("job", name).Str("spec", spec).Msg("schedule: periodic job registered")
	return nil
}

// Start begins running periodic jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("periodic", len(s.cron.Entries())).Msg("schedule: started")
}

// Stop cancels pending one-shot jobs, cancels the job context and waits for
// running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	dropped := len(s.jobs)
	for id, p := range s.jobs {
		p.timer.Stop()
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.running.Wait()
	log.Info().Int("dropped_pending", dropped).Msg("schedule: stopped")
}

// cronLogger routes cron's internal logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
