// Package schedule runs the periodic maintenance loops: daily backup, daily
// download-counter reset and the weekly report.
package schedule

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"zeepub-bot/internal/adapters/telegram"
	"zeepub-bot/internal/infra/fetch"
	"zeepub-bot/internal/usecase/ratelimit"
	"zeepub-bot/internal/usecase/urlcache"
)

const failureBackoff = time.Hour

// Runner owns the three maintenance loops.
type Runner struct {
	sender  telegram.Sender
	limiter *ratelimit.Limiter
	cache   *urlcache.Service
	dbPath  string
	admins  []int64
	log     zerolog.Logger
	now     func() time.Time
}

func NewRunner(sender telegram.Sender, limiter *ratelimit.Limiter, cache *urlcache.Service, dbPath string, admins []int64, logger zerolog.Logger) *Runner {
	return &Runner{
		sender:  sender,
		limiter: limiter,
		cache:   cache,
		dbPath:  dbPath,
		admins:  admins,
		log:     logger,
		now:     time.Now,
	}
}

// Start launches the three loops. They stop when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx, "backup", r.nextDaily(4, 0), r.backup)
	go r.loop(ctx, "reset", r.nextDaily(0, 0), r.reset)
	go r.loop(ctx, "weekly_report", r.nextWeekly(time.Monday, 9, 0), r.weeklyReport)
}

// loop sleeps to the next trigger, runs the task and reschedules. Failures
// are logged and retried after an hour.
func (r *Runner) loop(ctx context.Context, name string, next func() time.Time, task func(context.Context) error) {
	for {
		wait := time.Until(next())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := task(ctx); err != nil {
			r.log.Error().Err(err).Str("task", name).Msg("schedule: task failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(failureBackoff):
			}
			continue
		}
		r.log.Info().Str("task", name).Msg("schedule: task done")
	}
}

func (r *Runner) nextDaily(hour, minute int) func() time.Time {
	return func() time.Time {
		now := r.now()
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

func (r *Runner) nextWeekly(day time.Weekday, hour, minute int) func() time.Time {
	return func() time.Time {
		now := r.now()
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		for next.Weekday() != day || !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// backup sends the embedded store file to every admin.
func (r *Runner) backup(ctx context.Context) error {
	if r.dbPath == "" {
		return nil
	}
	if _, err := os.Stat(r.dbPath); err != nil {
		return fmt.Errorf("schedule: stat backup source: %w", err)
	}
	name := fmt.Sprintf("url_cache_%s.db", r.now().Format("2006-01-02"))
	for _, admin := range r.admins {
		_, err := r.sender.SendDocument(telegram.Destination{ChatID: admin}, name, fetch.Result{Path: r.dbPath})
		if err != nil {
			return fmt.Errorf("schedule: backup to %d: %w", admin, err)
		}
	}
	return nil
}

// reset clears the sliding windows at midnight.
func (r *Runner) reset(context.Context) error {
	r.limiter.ResetAll()
	return nil
}

// weeklyReport posts the URL cache health to every admin.
func (r *Runner) weeklyReport(ctx context.Context) error {
	stats, err := r.cache.Stats(ctx)
	if err != nil {
		return fmt.Errorf("schedule: stats: %w", err)
	}
	text := fmt.Sprintf(
		"📊 <b>Informe semanal</b>\nEnlaces guardados: %d\nVálidos: %d\nRotos: %d\nEn riesgo: %d",
		stats.Total, stats.Valid, stats.Broken, stats.AtRisk,
	)
	for _, admin := range r.admins {
		if _, err := r.sender.SendMessage(telegram.Destination{ChatID: admin}, text, nil); err != nil {
			return fmt.Errorf("schedule: report to %d: %w", admin, err)
		}
	}
	return nil
}
