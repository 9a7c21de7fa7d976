package sales

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Epsilon floors standard deviations used as divisors.
const Epsilon = 1e-8

// Normalization holds the z-score parameters applied to a series.
type Normalization struct {
	Mean float64
	Std  float64
}

// Apply maps a raw value into normalized units.
func (n Normalization) Apply(v float64) float64 { return (v - n.Mean) / n.Std }

// Invert maps a normalized value back to raw units.
func (n Normalization) Invert(v float64) float64 { return v*n.Std + n.Mean }

// Window is a lookback slice of normalized values and the value that followed it.
type Window struct {
	// Date is the date of the target observation.
	Date   time.Time
	Inputs []float64
	Target float64
	Norm   Normalization
}

// Normalize derives z-score parameters from the series (population std, floored by Epsilon).
func Normalize(series TimeSeries) Normalization {
	values := series.Values()
	if len(values) == 0 {
		return Normalization{Std: Epsilon}
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	return Normalization{Mean: mean, Std: math.Max(std, Epsilon)}
}

// Windowize normalizes the series by its own statistics and cuts it into overlapping windows of
// lookback values followed by one target value. Series no longer than lookback yield no windows.
func Windowize(series TimeSeries, lookback int) []Window {
	return WindowizeWith(series, lookback, Normalize(series))
}

// WindowizeWith is Windowize with externally supplied normalization, used when scoring with a
// model trained on an earlier series.
func WindowizeWith(series TimeSeries, lookback int, norm Normalization) []Window {
	n := series.Len()
	if lookback <= 0 || n <= lookback {
		return nil
	}
	if norm.Std <= 0 {
		norm.Std = Epsilon
	}

	scaled := make([]float64, n)
	for i, p := range series.Points {
		scaled[i] = norm.Apply(p.Value)
	}

	windows := make([]Window, 0, n-lookback)
	for i := 0; i+lookback < n; i++ {
		inputs := make([]float64, lookback)
		copy(inputs, scaled[i:i+lookback])
		windows = append(windows, Window{
			Date:   series.Points[i+lookback].Date,
			Inputs: inputs,
			Target: scaled[i+lookback],
			Norm:   norm,
		})
	}
	return windows
}
