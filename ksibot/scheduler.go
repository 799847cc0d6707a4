package ksibot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
)

// reminderCronSpec fires at second zero of every minute.
const reminderCronSpec = "* * * * *"

// dispatchTimeout bounds the discord calls made for a single due
// reminder, so one slow delivery can't starve the rest of the batch.
const dispatchTimeout = time.Minute

// Scheduler drives reminder delivery. Once per minute it loads every
// reminder whose fire time is at or before the current minute, hands
// each one to the delivery engine, and then deletes the batch.
type Scheduler struct {
	cron     *cron.Cron
	db       DBI
	delivery *Delivery
	logger   *slog.Logger

	metricTicks     atomic.Int64
	metricDelivered atomic.Int64
	metricFailed    atomic.Int64
}

func newScheduler(db DBI, delivery *Delivery, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "scheduler")
	cronLogger := cronSlogLogger{logger: logger.With(loggerNameKey, "cron")}

	s := &Scheduler{
		db:       db,
		delivery: delivery,
		logger:   logger,
	}
	s.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(
			cron.SkipIfStillRunning(cronLogger),
			cron.Recover(cronLogger),
		),
	)
	return s
}

// Start arms the cron schedule. The returned error is only non-nil if
// the cron spec itself fails to parse.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(
		reminderCronSpec,
		func() {
			s.Tick(ctx, time.Now())
		},
	)
	if err != nil {
		return fmt.Errorf("error scheduling reminder dispatch: %w", err)
	}
	s.cron.Start()
	s.logger.Info("reminder scheduler started", "spec", reminderCronSpec)
	return nil
}

// Stop halts the cron schedule and blocks until any in-flight tick
// has finished.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("reminder scheduler stopped")
}

// Tick runs a single dispatch cycle for the minute containing `now`.
// Both reminder queries use the truncated minute as their cutoff, so a
// tick that fires a few hundred milliseconds early still sees the
// reminders due that minute, and never sees next minute's.
//
// Every reminder returned by the queries is deleted after the cycle,
// whether or not its delivery succeeded. A reminder is dispatched at
// most once; a Discord outage at the wrong moment drops it rather than
// repeating it every minute.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.metricTicks.Add(1)
	cutoff := minuteTruncate(now)
	logger := s.logger.With("cutoff", cutoff)

	reminders, err := s.db.DueReminders(ctx, cutoff)
	if err != nil {
		logger.Error("error loading due reminders, skipping cycle", tint.Err(err))
		return
	}
	groupReminders, err := s.db.DueGroupReminders(ctx, cutoff)
	if err != nil {
		logger.Error("error loading due group reminders, skipping cycle", tint.Err(err))
		return
	}
	if len(reminders) == 0 && len(groupReminders) == 0 {
		return
	}
	logger.Info(
		"dispatching due reminders",
		"reminders", len(reminders),
		"group_reminders", len(groupReminders),
	)

	reminderIDs := make([]uint, 0, len(reminders))
	for i := range reminders {
		reminder := &reminders[i]
		reminderIDs = append(reminderIDs, reminder.ID)
		s.dispatch(
			ctx, logger, reminder, func(dispatchCtx context.Context) error {
				return s.delivery.DeliverReminder(dispatchCtx, reminder)
			},
		)
	}

	groupReminderIDs := make([]uint, 0, len(groupReminders))
	for i := range groupReminders {
		reminder := &groupReminders[i]
		groupReminderIDs = append(groupReminderIDs, reminder.ID)
		s.dispatch(
			ctx, logger, reminder, func(dispatchCtx context.Context) error {
				return s.delivery.DeliverGroupReminder(dispatchCtx, reminder)
			},
		)
	}

	if err = s.db.DeleteRemindersByID(ctx, reminderIDs); err != nil {
		logger.Error("error deleting dispatched reminders", tint.Err(err))
	}
	if err = s.db.DeleteGroupRemindersByID(ctx, groupReminderIDs); err != nil {
		logger.Error("error deleting dispatched group reminders", tint.Err(err))
	}
}

// dispatch runs a single delivery inside a recover/error boundary, so
// a failure on one reminder never prevents the rest of the batch from
// being attempted.
func (s *Scheduler) dispatch(
	ctx context.Context,
	logger *slog.Logger,
	reminder slog.LogValuer,
	deliver func(ctx context.Context) error,
) {
	dispatchCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.metricFailed.Add(1)
			logger.Error(
				"panic dispatching reminder",
				"recovered", r,
				"reminder", reminder,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := deliver(dispatchCtx); err != nil {
		s.metricFailed.Add(1)
		logger.Error("error dispatching reminder", tint.Err(err), "reminder", reminder)
		return
	}
	s.metricDelivered.Add(1)
	logger.Info("dispatched reminder", "reminder", reminder)
}

// cronSlogLogger adapts slog to the cron.Logger interface.
type cronSlogLogger struct {
	logger *slog.Logger
}

func (c cronSlogLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug(msg, keysAndValues...)
}

func (c cronSlogLogger) Error(err error, msg string, keysAndValues ...any) {
	attrs := make([]any, 0, len(keysAndValues)+1)
	attrs = append(attrs, tint.Err(err))
	attrs = append(attrs, keysAndValues...)
	c.logger.Error(msg, attrs...)
}
