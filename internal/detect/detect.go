// Package detect holds the pieces shared by the sales anomaly detectors: result rows, severity
// classification, the recent-anomaly confidence measure and the detector contract.
package detect

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"drugstore-canary/internal/sales"
)

var (
	// ErrInsufficientData is returned when there is too little history to train or score.
	ErrInsufficientData = sales.ErrInsufficientData
	// ErrModelNotTrained is returned when Detect or Save is called before Train or Load.
	ErrModelNotTrained = errors.New("model not trained")
)

// DefaultThreshold is the anomaly score above which a row is flagged.
const DefaultThreshold = 2.0

// Result is one scored observation.
type Result struct {
	Date      time.Time
	Actual    float64
	Predicted float64
	Residual  float64
	Score     float64
	IsAnomaly bool
	Severity  Severity
}

// Input carries the two views of a series the detectors consume.
type Input struct {
	Series  sales.TimeSeries
	Windows []sales.Window
}

// Detector is a trainable, persistable anomaly scorer.
type Detector interface {
	Name() string
	Train(in Input) error
	Detect(in Input) ([]Result, error)
	Trained() bool
	Save() ([]byte, error)
	Load(data []byte) error
}

// ScoreStats returns the population mean and std (floored by epsilon) of values. When baseline is
// positive and shorter than the batch, only values before the trailing baseline rows are used so
// recent points do not inflate their own reference statistics.
func ScoreStats(values []float64, baseline int) (float64, float64) {
	ref := values
	if baseline > 0 && baseline < len(values) {
		ref = values[:len(values)-baseline]
	}
	if len(ref) == 0 {
		return 0, sales.Epsilon
	}
	mean, std := stat.PopMeanStdDev(ref, nil)
	return mean, math.Max(std, sales.Epsilon)
}

// Confidence rates how convincing the tail of a result batch is: zero when none of the last three
// rows is anomalous, otherwise a blend of the mean anomalous score (saturating at 5) and the
// trailing run of consecutive anomalies (saturating at 3).
func Confidence(results []Result) float64 {
	scores := make([]float64, len(results))
	flags := make([]bool, len(results))
	for i, r := range results {
		scores[i] = r.Score
		flags[i] = r.IsAnomaly
	}
	return ConfidenceOf(scores, flags)
}

// ConfidenceOf is Confidence over parallel score and flag slices.
func ConfidenceOf(scores []float64, flags []bool) float64 {
	n := len(flags)
	if n == 0 || len(scores) != n {
		return 0
	}
	from := n - 3
	if from < 0 {
		from = 0
	}

	var sum float64
	var count int
	for i := from; i < n; i++ {
		if flags[i] {
			sum += scores[i]
			count++
		}
	}
	if count == 0 {
		return 0
	}

	consecutive := 0
	for i := n - 1; i >= 0 && flags[i]; i-- {
		consecutive++
	}

	conf := 0.6*math.Min(sum/float64(count)/5, 1) + 0.4*math.Min(float64(consecutive)/3, 1)
	return math.Min(conf, 1)
}
