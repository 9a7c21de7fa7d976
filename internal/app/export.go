package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"drugstore-canary/internal/config"
	"drugstore-canary/internal/detect/ensemble"
)

// Export scores the history window of one pair and renders it as CSV and/or PNG. No alerts are
// created.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Zone == "" || opts.Category == "" {
		return errors.New("--zone and --category must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	svc, closeCache := a.newService(ctx, repo, nil, false)
	defer closeCache()

	ev := svc.Score(ctx, config.Pair{ZoneID: opts.Zone, Category: opts.Category}, resolveAsOf(opts.AsOf))
	if ev.Err != nil {
		return ev.Err
	}
	if len(ev.Results) == 0 {
		a.Logger.Info().Str("outcome", string(ev.Outcome)).Msg("no scored rows for export window")
		return nil
	}

	rows := downsample(ev.Results, opts.MaxPoints)
	a.Logger.Info().Int("total", len(ev.Results)).Int("exported", len(rows)).Msg("exporting scored rows")

	if opts.CSVPath != "" {
		if err := writeResultsCSV(opts.CSVPath, rows); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		title := fmt.Sprintf("%s / %s", a.Config.ZoneName(opts.Zone), a.Config.CategoryName(opts.Category))
		if err := writeResultsPNG(opts.PNGPath, title, rows); err != nil {
			return err
		}
	}

	return nil
}

func downsample[T any](rows []T, max int) []T {
	if max <= 1 || len(rows) <= max {
		return rows
	}

	result := make([]T, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeResultsCSV(path string, rows []ensemble.Result) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"date", "actual", "forecast", "seasonal_score", "sequence_score", "ensemble_score", "is_anomaly", "severity", "model_agreement"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.Date.Format(time.DateOnly),
			formatFloat(row.Actual, 2),
			formatFloat(row.Predicted, 2),
			formatFloat(row.SeasonalScore, 4),
			formatFloat(row.SequenceScore, 4),
			formatFloat(row.Score, 4),
			strconv.FormatBool(row.IsAnomaly),
			row.Severity.String(),
			strconv.FormatBool(row.ModelAgreement),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeResultsPNG(path, title string, rows []ensemble.Result) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	actual := make([]float64, len(rows))
	forecast := make([]float64, len(rows))
	score := make([]float64, len(rows))

	for i, row := range rows {
		x[i] = row.Date
		actual[i] = row.Actual
		forecast[i] = row.Predicted
		score[i] = row.Score
	}

	unitsFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	scoreFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Units sold",
			ValueFormatter: unitsFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Ensemble score",
			ValueFormatter: scoreFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Actual",
				XValues: x,
				YValues: actual,
			},
			chart.TimeSeries{
				Name:    "Forecast",
				XValues: x,
				YValues: forecast,
			},
			chart.TimeSeries{
				Name:    "Ensemble score",
				XValues: x,
				YValues: score,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64, places int32) string {
	return formatDecimal(decimal.NewFromFloat(v), places)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
