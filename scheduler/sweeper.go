package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/GoCodeAlone/conductor/automation"
)

// DefaultSweepInterval is how often the sweeper looks for due retries.
const DefaultSweepInterval = 5 * time.Second

var attemptSuffix = regexp.MustCompile(`:attempt:\d+$`)

// RetryEventID is the id of attempt n of the event chain rooted at eventID.
func RetryEventID(eventID string, attempt int) string {
	return fmt.Sprintf("%s:attempt:%d", attemptSuffix.ReplaceAllString(eventID, ""), attempt)
}

// NextEvent builds the event for the entry's next attempt. Entries whose
// attempts are exhausted get one more attempt added to maxAttempts.
func (e Entry) NextEvent(nowMs int64) Event {
	attempt := e.NextAttempt
	if attempt == 0 {
		attempt = e.Attempt + 1
	}
	maxAttempts := e.MaxAttempts
	if attempt > maxAttempts {
		maxAttempts = attempt
	}
	backoff := float64(e.RetryBackoffMs)
	ev := Event{
		EventID:        RetryEventID(e.EventID, attempt),
		Source:         e.Source,
		RunID:          e.RunID,
		RecordedAtMs:   nowMs,
		Attempt:        attempt,
		MaxAttempts:    maxAttempts,
		RetryBackoffMs: &backoff,
	}
	if e.Source == automation.SourceHeartbeat {
		ev.HeartbeatRequest = e.RequestPayload
	} else {
		ev.AutomationRequest = e.RequestPayload
	}
	return ev
}

// Sweeper resubmits retry entries once they are due.
type Sweeper struct {
	gateway  *Gateway
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper over g's retry queue.
func NewSweeper(g *Gateway, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{gateway: g, interval: interval, logger: g.logger}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("retry sweep failed", slog.Any("err", err))
			}
		}
	}
}

// Sweep resubmits every due retry entry and returns how many it resubmitted.
// An entry whose resubmission fails with an error is put back; one that is
// rejected is dropped and logged.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	g := s.gateway
	entries, err := g.store.ListRetryEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list retry queue: %w", err)
	}
	nowMs := g.now().UnixMilli()
	n := 0
	for _, e := range entries {
		if e.RetryAtMs > nowMs {
			continue
		}
		removed, err := g.store.RemoveRetryEvent(ctx, e.EventID)
		if err != nil {
			return n, fmt.Errorf("claim retry %s: %w", e.EventID, err)
		}
		if !removed {
			continue // claimed by another process
		}

		ev := e.NextEvent(nowMs)
		res, err := g.Process(ctx, ev)
		if err != nil {
			if putErr := g.store.StoreRetryEvent(ctx, e); putErr != nil {
				return n, fmt.Errorf("restore retry %s: %w", e.EventID, putErr)
			}
			s.logger.Warn("retry resubmission failed",
				slog.String("event_id", e.EventID),
				slog.Any("err", err),
			)
			continue
		}
		if res.Status == ProcessRejected {
			s.logger.Warn("retry dropped",
				slog.String("event_id", e.EventID),
				slog.String("retry_event_id", ev.EventID),
				slog.String("code", res.RejectionCode),
				slog.String("reason", res.Reason),
			)
			continue
		}
		n++
		g.metrics.retryRequeued()
		s.logger.Info("retry resubmitted",
			slog.String("event_id", e.EventID),
			slog.String("retry_event_id", ev.EventID),
			slog.String("status", string(res.Status)),
			slog.String("disposition", string(res.Disposition)),
		)
	}
	return n, nil
}
