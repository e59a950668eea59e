package core

import (
	"context"
	"log/slog"
	"time"

	"model-benchmark/internal/database"
	"model-benchmark/internal/messaging"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// StaleMargin is how long past the request timeout a claimed request may stay IN_PROGRESS
// before the scanner fails it.
const StaleMargin = 5 * time.Minute

// PendingScanner periodically republishes requests that are still PENDING, which covers
// submissions whose task was lost. Extra tasks are harmless since only one claim succeeds.
// With a stale timeout it also fails requests whose worker stopped after claiming them.
type PendingScanner struct {
	db         *gorm.DB
	publisher  messaging.Publisher
	cron       *cron.Cron
	staleAfter time.Duration
}

func NewPendingScanner(db *gorm.DB, publisher messaging.Publisher) *PendingScanner {
	return &PendingScanner{
		db:        db,
		publisher: publisher,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
}

// WithStaleTimeout fails IN_PROGRESS requests claimed longer than d ago on every scan.
// It should exceed the request timeout, see StaleMargin.
func (s *PendingScanner) WithStaleTimeout(d time.Duration) *PendingScanner {
	s.staleAfter = d
	return s
}

// Start schedules the scan and returns immediately.
func (s *PendingScanner) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Scan(context.Background()); err != nil {
			slog.Error("pending request scan failed", "error", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("pending request scanner started", "schedule", schedule)
	return nil
}

// Stop waits for a running scan to finish.
func (s *PendingScanner) Stop() {
	<-s.cron.Stop().Done()
}

// Scan fails stale requests, then publishes an evaluation task for every pending request and
// returns how many it published.
func (s *PendingScanner) Scan(ctx context.Context) (int, error) {
	if s.staleAfter > 0 {
		if err := s.failStale(ctx); err != nil {
			slog.Error("error failing stale requests", "error", err)
		}
	}

	pending, err := database.GetPendingRequests(ctx, s.db)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, req := range pending {
		if err := s.publisher.PublishEvaluationTask(ctx, messaging.EvaluationTaskPayload{UserId: req.UserId}); err != nil {
			slog.Error("error publishing pending request", "user_id", req.UserId, "error", err)
			continue
		}
		published++
	}

	if published > 0 {
		slog.Info("republished pending requests", "count", published)
	}
	return published, nil
}

func (s *PendingScanner) failStale(ctx context.Context) error {
	failed, err := database.FailStaleRequests(ctx, s.db, time.Now().Add(-s.staleAfter))
	for _, userId := range failed {
		slog.Warn("failed stale request", "user_id", userId, "stale_after", s.staleAfter)
		database.SaveRequestError(ctx, s.db, userId, "", stageStale, "request was not finished by its worker")
	}
	return err
}
