package sales

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrInsufficientData is returned when a series cannot be built or is too short to use.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidRecord marks a sales record that violates basic constraints.
	ErrInvalidRecord = errors.New("invalid sales record")
)

// Record is one ingested sales line: units of a medicine category sold by a pharmacy on a day.
type Record struct {
	PharmacyID   string
	ZoneID       string
	Category     string
	Date         time.Time
	QuantitySold int64
}

// Point is a single daily observation.
type Point struct {
	Date  time.Time
	Value float64
}

// TimeSeries is a gap-filled daily series for one (zone, category) pair.
type TimeSeries struct {
	Zone     string
	Category string
	Points   []Point
}

// Len returns the number of days in the series.
func (s TimeSeries) Len() int { return len(s.Points) }

// Values returns the observation values in date order.
func (s TimeSeries) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// Dates returns the observation dates in order.
func (s TimeSeries) Dates() []time.Time {
	out := make([]time.Time, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Date
	}
	return out
}

// Source lists raw sales records for a zone and category within [from, to].
type Source interface {
	ListSales(ctx context.Context, zoneID, category string, from, to time.Time) ([]Record, error)
}

// Preprocessor turns raw sales records into model-ready series.
type Preprocessor struct {
	source Source
	logger zerolog.Logger
}

// NewPreprocessor wires a record source into a Preprocessor.
func NewPreprocessor(source Source, logger zerolog.Logger) *Preprocessor {
	return &Preprocessor{source: source, logger: logger.With().Str("component", "preprocessor").Logger()}
}

// BuildSeries loads records for [start, end] and aggregates them into a gap-filled daily series.
func (p *Preprocessor) BuildSeries(ctx context.Context, zoneID, category string, start, end time.Time) (TimeSeries, error) {
	if p.source == nil {
		return TimeSeries{}, errors.New("sales source not configured")
	}
	records, err := p.source.ListSales(ctx, zoneID, category, Day(start), Day(end))
	if err != nil {
		return TimeSeries{}, fmt.Errorf("list sales: %w", err)
	}

	series, err := Aggregate(zoneID, category, records)
	if err != nil {
		return TimeSeries{}, err
	}

	p.logger.Debug().
		Str("zone", zoneID).
		Str("category", category).
		Int("records", len(records)).
		Int("days", series.Len()).
		Msg("series built")
	return series, nil
}

// Aggregate sums records by calendar day and inserts zero-valued days for every gap between the
// first and last observed date.
func Aggregate(zoneID, category string, records []Record) (TimeSeries, error) {
	totals := make(map[time.Time]float64)
	for _, rec := range records {
		if rec.Category != "" && category != "" && rec.Category != category {
			continue
		}
		if rec.QuantitySold < 0 {
			return TimeSeries{}, fmt.Errorf("%w: pharmacy %s sold %d on %s", ErrInvalidRecord, rec.PharmacyID, rec.QuantitySold, rec.Date.Format(time.DateOnly))
		}
		totals[Day(rec.Date)] += float64(rec.QuantitySold)
	}
	if len(totals) == 0 {
		return TimeSeries{}, fmt.Errorf("%w: no sales for %s/%s", ErrInsufficientData, zoneID, category)
	}

	days := make([]time.Time, 0, len(totals))
	for d := range totals {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	first, last := days[0], days[len(days)-1]
	points := make([]Point, 0, int(last.Sub(first)/(24*time.Hour))+1)
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		points = append(points, Point{Date: d, Value: totals[d]})
	}

	return TimeSeries{Zone: zoneID, Category: category, Points: points}, nil
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
