package app

import (
	"context"
	"errors"
	"time"

	"drugstore-canary/internal/alerting"
	"drugstore-canary/internal/sales"
	"drugstore-canary/internal/service"
)

// BackfillOptions configure a historical replay.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	Notify bool
}

// Backfill replays one sweep per day in [From, To] so past surges are detected and recorded as
// they would have been on the day.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	start, end := sales.Day(opts.From), sales.Day(opts.To)
	if end.Before(start) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	if !opts.Notify {
		a.Logger.Warn().Msg("回填不会发送通知")
	}
	// alerts are stamped at the end of the replayed day so the cooldown spaces them by data date
	var current time.Time
	clock := alerting.WithClock(func() time.Time { return current })
	svc, closeCache := a.newService(ctx, repo, nil, opts.Notify, clock)
	defer closeCache()

	totals := make(map[service.Outcome]int)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		current = day.AddDate(0, 0, 1)
		report, err := svc.Sweep(ctx, day)
		if err != nil {
			return err
		}
		for outcome, n := range report.Counts {
			totals[outcome] += n
		}
	}

	a.Logger.Info().
		Int("alerted", totals[service.OutcomeAlerted]).
		Int("suppressed", totals[service.OutcomeSuppressed]).
		Int("failed", totals[service.OutcomeFailed]).
		Msg("回填完成")
	if totals[service.OutcomeFailed] > 0 {
		return errors.New("部分组合回填失败，请检查日志")
	}
	return nil
}
