package waitroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ticket-queue/internal/services"
	"ticket-queue/models"

	"k8s.io/utils/clock"
)

// ErrEntryClosed means the entry reached a terminal status while waiting.
var ErrEntryClosed = errors.New("waitroom: entry is no longer in the queue")

// Display renders progress to the user.
type Display interface {
	Countdown(info services.PreQueueInfo, left time.Duration)
	Status(report models.StatusReport)
}

// Stage is where a Session currently is.
type Stage int

const (
	StagePreQueue Stage = iota
	StageWaiting
	StageActive
	StageClosed
)

func (s Stage) String() string {
	switch s {
	case StagePreQueue:
		return "pre-queue"
	case StageWaiting:
		return "waiting"
	case StageActive:
		return "active"
	case StageClosed:
		return "closed"
	}
	return "unknown"
}

type Options struct {
	Source       Source
	Display      Display
	Clock        clock.Clock
	RetryBackoff time.Duration
	MaxRetries   int
	Logger       *slog.Logger
}

// Session drives one user through the pre-queue and the waiting room of an
// event. Run can be called again after a failure; admission is idempotent,
// so the same token comes back.
type Session struct {
	client  *Client
	eventID string
	source  Source
	display Display
	clock   clock.Clock
	backoff time.Duration
	retries int
	logger  *slog.Logger

	stage Stage
	token string
}

func NewSession(client *Client, eventID string, opts Options) *Session {
	s := &Session{
		client:  client,
		eventID: eventID,
		source:  opts.Source,
		display: opts.Display,
		clock:   opts.Clock,
		backoff: opts.RetryBackoff,
		retries: opts.MaxRetries,
		logger:  opts.Logger,
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.source == nil {
		s.source = &Poller{Clock: s.clock}
	}
	if s.display == nil {
		s.display = nopDisplay{}
	}
	if s.backoff <= 0 {
		s.backoff = time.Second
	}
	if s.retries <= 0 {
		s.retries = 5
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Session) Stage() Stage  { return s.stage }
func (s *Session) Token() string { return s.token }

// Complete gives the active slot back so the next user in line can move up.
func (s *Session) Complete(ctx context.Context) error {
	if s.stage != StageActive {
		return fmt.Errorf("complete entry: session is %s", s.stage)
	}
	if err := s.client.Complete(ctx, s.eventID, s.token); err != nil {
		return err
	}
	s.stage = StageClosed
	return nil
}

// Run returns once the entry is active.
func (s *Session) Run(ctx context.Context) (*models.StatusReport, error) {
	if s.token == "" {
		s.stage = StagePreQueue
		token, err := s.preQueue(ctx)
		if err != nil {
			return nil, err
		}
		s.token = token
	}
	s.stage = StageWaiting
	return s.wait(ctx)
}

func (s *Session) preQueue(ctx context.Context) (string, error) {
	info, err := s.client.PreQueue(ctx, s.eventID)
	if err != nil {
		return "", err
	}
	deadline := s.clock.Now().Add(time.Duration(info.SecondsLeft) * time.Second)

	for !info.Open {
		left := deadline.Sub(s.clock.Now())
		if left <= 0 {
			// the server decides; local clocks drift
			if info, err = s.client.PreQueue(ctx, s.eventID); err != nil {
				return "", err
			}
			deadline = s.clock.Now().Add(time.Duration(info.SecondsLeft) * time.Second)
			if !info.Open && info.SecondsLeft == 0 {
				if err := s.sleep(ctx, s.backoff); err != nil {
					return "", err
				}
			}
			continue
		}

		s.display.Countdown(*info, left)
		if err := s.sleep(ctx, min(left, time.Second)); err != nil {
			return "", err
		}
	}

	return s.enter(ctx)
}

func (s *Session) enter(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		token, err := s.client.Enter(ctx, s.eventID)
		if err == nil {
			s.logger.Info("Joined queue", "eventID", s.eventID)
			return token, nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Temporary() {
			return "", err
		}
		lastErr = err
		s.logger.Warn("Admission not accepted yet, retrying", "attempt", attempt, "error", err)
		if err := s.sleep(ctx, s.backoff); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("enter queue after %d attempts: %w", s.retries, lastErr)
}

func (s *Session) wait(ctx context.Context) (*models.StatusReport, error) {
	report, done, err := s.refresh(ctx)
	if err != nil || done {
		return report, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := s.source.Watch(watchCtx, s.eventID, s.token)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil, ctx.Err()
			}
			if update.Type != "" {
				s.logger.Debug("Queue update received", "type", update.Type)
			}
			report, done, err := s.refresh(ctx)
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && apiErr.Temporary() {
					s.logger.Warn("Status unavailable, waiting for next update", "error", err)
					continue
				}
				return nil, err
			}
			if done {
				return report, nil
			}
		}
	}
}

// refresh reads the status once. done is true when waiting is over.
func (s *Session) refresh(ctx context.Context) (*models.StatusReport, bool, error) {
	report, err := s.client.Status(ctx, s.eventID, s.token)
	if err != nil {
		return nil, false, err
	}
	s.display.Status(*report)

	switch {
	case report.Status == models.StatusActive:
		s.stage = StageActive
		return report, true, nil
	case report.Status.IsTerminal():
		s.stage = StageClosed
		return report, true, ErrEntryClosed
	}
	return report, false, nil
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

type nopDisplay struct{}

func (nopDisplay) Countdown(services.PreQueueInfo, time.Duration) {}
func (nopDisplay) Status(models.StatusReport)                     {}
