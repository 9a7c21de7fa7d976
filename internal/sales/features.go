package sales

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// FeatureRow augments a daily observation with rolling, lag and calendar features.
type FeatureRow struct {
	Date          time.Time
	Value         float64
	RollingMean7  float64
	RollingStd7   float64
	RollingMean14 float64
	RollingStd14  float64
	Lag1          float64
	Lag7          float64
	// DayOfWeek counts from Monday = 0.
	DayOfWeek int
	IsWeekend bool
}

// AddFeatures computes feature rows for the series. Rolling windows use whatever history is
// available (sample std, undefined below two points); undefined leading values are back-filled
// from the first defined value and anything still undefined becomes 0.
func AddFeatures(series TimeSeries) []FeatureRow {
	values := series.Values()
	n := len(values)
	if n == 0 {
		return nil
	}

	mean7, std7 := rolling(values, 7)
	mean14, std14 := rolling(values, 14)
	lag1 := lag(values, 1)
	lag7 := lag(values, 7)
	for _, col := range [][]float64{mean7, std7, mean14, std14, lag1, lag7} {
		backfill(col)
	}

	rows := make([]FeatureRow, n)
	for i, p := range series.Points {
		dow := (int(p.Date.Weekday()) + 6) % 7
		rows[i] = FeatureRow{
			Date:          p.Date,
			Value:         p.Value,
			RollingMean7:  mean7[i],
			RollingStd7:   std7[i],
			RollingMean14: mean14[i],
			RollingStd14:  std14[i],
			Lag1:          lag1[i],
			Lag7:          lag7[i],
			DayOfWeek:     dow,
			IsWeekend:     dow >= 5,
		}
	}
	return rows
}

func rolling(values []float64, size int) ([]float64, []float64) {
	means := make([]float64, len(values))
	stds := make([]float64, len(values))
	for i := range values {
		lo := i - size + 1
		if lo < 0 {
			lo = 0
		}
		win := values[lo : i+1]
		means[i] = stat.Mean(win, nil)
		if len(win) < 2 {
			stds[i] = math.NaN()
			continue
		}
		stds[i] = stat.StdDev(win, nil)
	}
	return means, stds
}

func lag(values []float64, k int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if i < k {
			out[i] = math.NaN()
			continue
		}
		out[i] = values[i-k]
	}
	return out
}

func backfill(col []float64) {
	next := math.NaN()
	for i := len(col) - 1; i >= 0; i-- {
		if math.IsNaN(col[i]) {
			col[i] = next
			continue
		}
		next = col[i]
	}
	for i := range col {
		if math.IsNaN(col[i]) {
			col[i] = 0
		}
	}
}
