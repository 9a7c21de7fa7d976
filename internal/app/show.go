package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"drugstore-canary/internal/alerting"
	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/storage"
)

// ShowAlerts prints recent or active alerts.
func (a *App) ShowAlerts(ctx context.Context, opts AlertsOptions) error {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	var alerts []storage.Alert
	if opts.ActiveOnly {
		alerts, err = repo.ListActiveAlerts(ctx)
		if opts.Limit > 0 && len(alerts) > opts.Limit {
			alerts = alerts[:opts.Limit]
		}
	} else {
		alerts, err = repo.ListRecentAlerts(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}
	return printAlerts(os.Stdout, alerts)
}

func printAlerts(out io.Writer, alerts []storage.Alert) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tDetected (UTC)\tObserved\tZone\tCategory\tLevel\tScore\tConfidence\tActive\tResolved")

	for _, alert := range alerts {
		resolved := ""
		if alert.ResolvedAt != nil {
			resolved = alert.ResolvedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			alert.ID,
			alert.DetectedAt.UTC().Format(time.RFC3339),
			alert.ObservedOn.Format(time.DateOnly),
			alert.ZoneID,
			alert.Category,
			alert.Level,
			formatDecimal(alert.Score, 2),
			formatDecimal(alert.Confidence, 2),
			alert.IsActive,
			resolved,
		)
	}
	return writer.Flush()
}

// Summary prints active alert counts, or the status of one zone when zone is set.
func (a *App) Summary(ctx context.Context, zone string) error {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	manager := a.newManager(repo, nil)
	if zone != "" {
		status, err := manager.ZoneStatus(ctx, zone)
		if err != nil {
			return err
		}
		return printZoneStatus(os.Stdout, status)
	}

	summary, err := manager.Summarize(ctx)
	if err != nil {
		return err
	}
	return printSummary(os.Stdout, summary)
}

func printSummary(out io.Writer, summary alerting.Summary) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Generated (UTC)\t%s\n", summary.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(writer, "Active alerts\t%d\n", summary.TotalActive)
	for _, level := range detect.Severities() {
		if n := summary.BySeverity[level]; n > 0 {
			fmt.Fprintf(writer, "  %s\t%d\n", level, n)
		}
	}

	zones := make([]string, 0, len(summary.ByZone))
	for z := range summary.ByZone {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	for _, z := range zones {
		fmt.Fprintf(writer, "  zone %s\t%d\n", z, summary.ByZone[z])
	}
	return writer.Flush()
}

func printZoneStatus(out io.Writer, status alerting.ZoneStatus) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Zone\t%s (%s)\n", status.ZoneName, status.ZoneID)
	fmt.Fprintf(writer, "Active alerts\t%d\n", status.ActiveAlerts)
	fmt.Fprintf(writer, "Highest level\t%s\n", status.HighestLevel)
	fmt.Fprintf(writer, "Categories at risk\t%s\n", strings.Join(status.CategoriesAtRisk, ", "))
	return writer.Flush()
}

// Resolve deactivates one alert.
func (a *App) Resolve(ctx context.Context, id int64) error {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	ok, err := a.newManager(repo, nil).ResolveAlert(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("alert %d: %w", id, storage.ErrNotFound)
	}
	fmt.Fprintf(os.Stdout, "alert %d resolved\n", id)
	return nil
}

// ResolveStale closes active alerts older than maxAge, or the configured age when maxAge is zero.
func (a *App) ResolveStale(ctx context.Context, maxAge time.Duration) error {
	if maxAge < 0 {
		return errors.New("--max-age must not be negative")
	}
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	n, err := a.newManager(repo, nil).AutoResolveStale(ctx, maxAge)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%d stale alerts resolved\n", n)
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
