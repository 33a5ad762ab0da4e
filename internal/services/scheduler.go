package services

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ticket-queue/models"
	"ticket-queue/monitoring"

	"k8s.io/utils/clock"
)

type JobState int

const (
	NotScheduled JobState = iota
	Scheduled
	Running
	Stopped
)

func (s JobState) String() string {
	switch s {
	case NotScheduled:
		return "not_scheduled"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Runner is a started position worker.
type Runner interface {
	Run(ctx context.Context) error
}

// WorkerFactory opens what a worker needs for one event. An error means the
// worker could not start and the attempt is retried.
type WorkerFactory func(ctx context.Context, eventID string) (Runner, error)

// JobInfo is a snapshot of one scheduled job.
type JobInfo struct {
	EventID string    `json:"eventId"`
	FireAt  time.Time `json:"fireAt"`
	State   JobState  `json:"state"`
}

type job struct {
	eventID    string
	fireAt     time.Time
	state      JobState
	generation uint64
	timer      clock.Timer
	cancel     context.CancelFunc
	done       chan struct{}
}

// Scheduler starts one worker per active event once its admission window
// opens, and stops it when the event leaves the active state.
type Scheduler struct {
	newWorker    WorkerFactory
	clock        clock.WithDelayedExecution
	leadWindow   time.Duration
	startRetries int
	startBackoff time.Duration
	monitor      *monitoring.Monitor
	logger       *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job

	// draining holds the done channel of stopped workers that may still be
	// returning; a replacement for the same event waits on it
	draining map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

type SchedulerOptions struct {
	Clock        clock.WithDelayedExecution
	LeadWindow   time.Duration
	StartRetries int
	StartBackoff time.Duration
	Monitor      *monitoring.Monitor
	Logger       *slog.Logger
}

func NewScheduler(newWorker WorkerFactory, opts SchedulerOptions) *Scheduler {
	s := &Scheduler{
		newWorker:    newWorker,
		clock:        opts.Clock,
		leadWindow:   opts.LeadWindow,
		startRetries: opts.StartRetries,
		startBackoff: opts.StartBackoff,
		monitor:      opts.Monitor,
		logger:       opts.Logger,
		jobs:         make(map[string]*job),
		draining:     make(map[string]chan struct{}),
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.startRetries < 1 {
		s.startRetries = 1
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Init derives the jobs from the events that are active right now. Jobs
// are a pure function of event data, so nothing is persisted across restarts.
func (s *Scheduler) Init(ctx context.Context, events EventSource) error {
	active, err := events.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, event := range active {
		s.HandleChange(models.EventChange{
			EventID:       event.ID,
			SaleStartTime: event.SaleStartTime,
			Status:        event.Status,
		})
	}
	s.logger.Info("Scheduler initialised", "events", len(active))
	return nil
}

// HandleChange applies one event lifecycle change.
func (s *Scheduler) HandleChange(change models.EventChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.reportLocked()

	if s.closed {
		return
	}

	j := s.jobs[change.EventID]
	if !change.Active() {
		if j != nil {
			s.stopLocked(j)
			delete(s.jobs, change.EventID)
			s.logger.Info("Event left active state, worker stopped", "eventID", change.EventID, "status", change.Status)
		}
		return
	}

	fireAt := change.SaleStartTime.Add(-s.leadWindow)
	if j == nil {
		j = &job{eventID: change.EventID}
		s.jobs[change.EventID] = j
	}

	switch j.state {
	case Running:
		// the worker already consumes the topic; a new sale time changes nothing
		j.fireAt = fireAt
		return
	case Scheduled:
		if j.fireAt.Equal(fireAt) {
			return
		}
		j.timer.Stop()
		s.logger.Info("Worker start rescheduled", "eventID", j.eventID, "from", j.fireAt, "to", fireAt)
	}

	s.armLocked(j, fireAt)
}

// Cancel stops the job of one event. It is safe to call for unknown events
// and for workers that never started.
func (s *Scheduler) Cancel(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.reportLocked()

	if j, ok := s.jobs[eventID]; ok {
		s.stopLocked(j)
		delete(s.jobs, eventID)
	}
}

// Shutdown stops every job and waits for running workers to return.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for id, j := range s.jobs {
			s.stopLocked(j)
			delete(s.jobs, id)
		}
		s.cancel()
		s.reportLocked()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Jobs returns a snapshot of the registry ordered by event id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		infos = append(infos, JobInfo{EventID: j.eventID, FireAt: j.fireAt, State: j.state})
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].EventID < infos[b].EventID })
	return infos
}

// RunningEvents returns the ids of events whose worker is running.
func (s *Scheduler) RunningEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, j := range s.jobs {
		if j.state == Running {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// State reports the state of one event's job.
func (s *Scheduler) State(eventID string) JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[eventID]; ok {
		return j.state
	}
	return NotScheduled
}

func (s *Scheduler) armLocked(j *job, fireAt time.Time) {
	j.generation++
	j.fireAt = fireAt

	delay := fireAt.Sub(s.clock.Now())
	if delay <= 0 {
		s.startLocked(j)
		return
	}

	generation := j.generation
	eventID := j.eventID
	j.timer = s.clock.AfterFunc(delay, func() {
		// fake clocks call back while holding their own lock
		go s.fire(eventID, generation)
	})
	j.state = Scheduled
	s.logger.Info("Worker start scheduled", "eventID", eventID, "fireAt", fireAt)
}

func (s *Scheduler) fire(eventID string, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.reportLocked()

	j, ok := s.jobs[eventID]
	if !ok || s.closed || j.generation != generation || j.state != Scheduled {
		return
	}
	s.startLocked(j)
}

func (s *Scheduler) startLocked(j *job) {
	prev := j.done
	if draining, ok := s.draining[j.eventID]; ok {
		prev = draining
		delete(s.draining, j.eventID)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	j.state = Running
	j.timer = nil
	j.cancel = cancel
	j.done = make(chan struct{})

	s.wg.Add(1)
	go s.run(ctx, j, j.generation, prev, j.done)
}

func (s *Scheduler) run(ctx context.Context, j *job, generation uint64, prev <-chan struct{}, done chan struct{}) {
	defer s.wg.Done()
	defer s.forgetDraining(j.eventID, done)
	defer close(done)

	// one consumer per topic: the previous worker must be gone first
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			s.markStopped(j, generation)
			return
		}
	}

	var runner Runner
	for attempt := 1; attempt <= s.startRetries; attempt++ {
		var err error
		runner, err = s.newWorker(ctx, j.eventID)
		if err == nil {
			break
		}
		runner = nil
		s.logger.Warn("Failed to start worker",
			"eventID", j.eventID,
			"attempt", attempt,
			"maxAttempts", s.startRetries,
			"error", err,
		)
		if attempt == s.startRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.startBackoff):
		}
	}

	if runner == nil {
		if ctx.Err() == nil {
			s.logger.Error("Worker start retries exhausted, event left unattended", "eventID", j.eventID)
		}
		s.markStopped(j, generation)
		return
	}

	if err := runner.Run(ctx); err != nil {
		s.logger.Error("Worker exited", "eventID", j.eventID, "error", err)
	}
	s.markStopped(j, generation)
}

func (s *Scheduler) markStopped(j *job, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.reportLocked()

	if j.generation == generation && j.state == Running {
		j.state = Stopped
	}
}

func (s *Scheduler) forgetDraining(eventID string, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining[eventID] == done {
		delete(s.draining, eventID)
	}
}

func (s *Scheduler) stopLocked(j *job) {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
		s.draining[j.eventID] = j.done
	}
	j.generation++
	j.state = Stopped
}

func (s *Scheduler) reportLocked() {
	running, scheduled := 0, 0
	for _, j := range s.jobs {
		switch j.state {
		case Running:
			running++
		case Scheduled:
			scheduled++
		}
	}
	s.monitor.SetWorkers(running, scheduled)
}
