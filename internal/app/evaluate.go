package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"drugstore-canary/internal/config"
	"drugstore-canary/internal/sales"
	"drugstore-canary/internal/service"
)

// Evaluate scores one pair, or every configured pair when no pair is given, and runs detected
// anomalies through the alert lifecycle.
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions) error {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	svc, closeCache := a.newService(ctx, repo, nil, opts.Notify)
	defer closeCache()

	asOf := resolveAsOf(opts.AsOf)
	if opts.Zone == "" && opts.Category == "" {
		report, err := svc.Sweep(ctx, asOf)
		if err != nil {
			return err
		}
		return printEvaluations(os.Stdout, report.Evaluations)
	}

	ev := svc.Evaluate(ctx, config.Pair{ZoneID: opts.Zone, Category: opts.Category}, asOf)
	if err := printEvaluations(os.Stdout, []service.Evaluation{ev}); err != nil {
		return err
	}
	return ev.Err
}

func printEvaluations(out io.Writer, evaluations []service.Evaluation) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Zone\tCategory\tAs of\tDays\tOutcome\tConfidence\tAlert\tError")

	for _, ev := range evaluations {
		alertID := "-"
		if ev.Alert != nil {
			alertID = fmt.Sprintf("#%d %s", ev.Alert.ID, ev.Alert.Level)
		}
		errMsg := ""
		if ev.Err != nil {
			errMsg = sanitizeInline(ev.Err.Error())
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%.2f\t%s\t%s\n",
			ev.Pair.ZoneID,
			ev.Pair.Category,
			ev.AsOf.Format(time.DateOnly),
			ev.Series.Len(),
			ev.Outcome,
			ev.Confidence,
			alertID,
			errMsg,
		)
	}
	return writer.Flush()
}

// resolveAsOf defaults to the last complete UTC day.
func resolveAsOf(t time.Time) time.Time {
	if t.IsZero() {
		return sales.Day(time.Now()).AddDate(0, 0, -1)
	}
	return sales.Day(t)
}
