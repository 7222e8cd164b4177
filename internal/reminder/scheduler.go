// Package reminder emails deadline reminders a fixed number of days ahead.
package reminder

import (
	"context"
	"strconv"
	"time"

	"github.com/david/opportunity-oasis/internal/metrics"
	"github.com/david/opportunity-oasis/internal/models"
	"github.com/david/opportunity-oasis/internal/notify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultOffsets are the reminder distances in days before a deadline.
var DefaultOffsets = []int{7, 3, 1}

// DueStore finds opportunities whose deadline is exactly date (YYYY-MM-DD).
type DueStore interface {
	DueOn(ctx context.Context, date string) ([]models.Opportunity, error)
}

// OffsetResult summarises one offset of a run.
type OffsetResult struct {
	OffsetDays int    `json:"offsetDays"`
	Date       string `json:"date"`
	Count      int    `json:"count"`
	Failed     int    `json:"failed,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Result struct {
	RunID     string         `json:"runId"`
	Processed []OffsetResult `json:"processed"`
}

type Scheduler struct {
	store    DueStore
	sink     notify.Sink
	composer *notify.Composer
	offsets  []int
	location *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

func NewScheduler(store DueStore, sink notify.Sink, composer *notify.Composer, offsets []int, loc *time.Location, logger *zap.Logger) *Scheduler {
	if len(offsets) == 0 {
		offsets = DefaultOffsets
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		sink:     sink,
		composer: composer,
		offsets:  offsets,
		location: loc,
		now:      time.Now,
		logger:   logger,
	}
}

// targetDate is today in the scheduler's zone plus offset days.
func (s *Scheduler) targetDate(offset int) string {
	today := s.now().In(s.location)
	return time.Date(today.Year(), today.Month(), today.Day()+offset, 0, 0, 0, 0, s.location).Format(models.DateLayout)
}

// Run processes every offset concurrently. A failure in one offset is recorded
// in its bucket and never aborts the others. The returned error is non-nil only
// when ctx ends before the run completes.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	logger := s.logger.With(zap.String("run_id", runID))
	logger.Info("reminder run started", zap.Ints("offsets", s.offsets))

	results := make([]OffsetResult, len(s.offsets))
	var g errgroup.Group
	for i, offset := range s.offsets {
		g.Go(func() error {
			results[i] = s.processOffset(ctx, logger, offset)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Info("reminder run finished", zap.Any("processed", results))
	return &Result{RunID: runID, Processed: results}, nil
}

func (s *Scheduler) processOffset(ctx context.Context, logger *zap.Logger, offset int) OffsetResult {
	date := s.targetDate(offset)
	res := OffsetResult{OffsetDays: offset, Date: date}
	label := strconv.Itoa(offset)
	logger = logger.With(zap.Int("offset_days", offset), zap.String("date", date))

	due, err := s.store.DueOn(ctx, date)
	if err != nil {
		logger.Error("failed to load due opportunities", zap.Error(err))
		res.Error = "failed to load due opportunities"
		return res
	}
	res.Count = len(due)

	for _, o := range due {
		msg, err := s.composer.Reminder(o, offset)
		if err == nil {
			err = s.sink.Send(ctx, msg)
		}
		if err != nil {
			res.Failed++
			metrics.RemindersSent.WithLabelValues(label, "failed").Inc()
			logger.Warn("reminder not sent", zap.Int64("opportunity_id", o.ID), zap.Error(err))
			continue
		}
		metrics.RemindersSent.WithLabelValues(label, "sent").Inc()
	}
	return res
}
