package seasonal

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/sales"
)

var origin = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func makeSeries(values []float64) sales.TimeSeries {
	points := make([]sales.Point, len(values))
	for i, v := range values {
		points[i] = sales.Point{Date: origin.AddDate(0, 0, i), Value: v}
	}
	return sales.TimeSeries{Zone: "z1", Category: "fever", Points: points}
}

func spikeSeries() sales.TimeSeries {
	values := make([]float64, 65)
	for i := range values {
		values[i] = 20
		if i >= 60 {
			values[i] = 80
		}
	}
	return makeSeries(values)
}

func noisySeries(scale float64) sales.TimeSeries {
	values := make([]float64, 70)
	for i := range values {
		values[i] = scale * (20 + 3*math.Sin(float64(i)*1.3) + float64(i%5))
	}
	values[68] = scale * 60
	return makeSeries(values)
}

func TestTrainInsufficientData(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
	}{
		{name: "empty", values: nil},
		{name: "single day", values: []float64{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(DefaultConfig())
			err := m.TrainSeries(makeSeries(tt.values))
			assert.ErrorIs(t, err, detect.ErrInsufficientData)
			assert.False(t, m.Trained())
		})
	}
}

func TestDetectBeforeTrain(t *testing.T) {
	m := New(DefaultConfig())
	_, err := m.DetectSeries(spikeSeries())
	assert.ErrorIs(t, err, detect.ErrModelNotTrained)

	_, err = m.Save()
	assert.ErrorIs(t, err, detect.ErrModelNotTrained)
}

func TestTwoPointsTrain(t *testing.T) {
	m := New(DefaultConfig())
	require.NoError(t, m.TrainSeries(makeSeries([]float64{4, 6})))
	assert.True(t, m.Trained())
}

func TestSpikeIsFlagged(t *testing.T) {
	m := New(DefaultConfig())
	series := spikeSeries()
	require.NoError(t, m.TrainSeries(series))

	results, err := m.DetectSeries(series)
	require.NoError(t, err)
	require.Len(t, results, 65)

	for i, r := range results[:60] {
		assert.False(t, r.IsAnomaly, "day %d scored %.3f", i+1, r.Score)
		assert.Less(t, r.Score, 1.0)
	}
	for i, r := range results[60:] {
		assert.True(t, r.IsAnomaly, "day %d scored %.3f", i+61, r.Score)
		assert.Greater(t, r.Score, 3.0)
		assert.Equal(t, detect.SeverityCritical, r.Severity)
		assert.Greater(t, r.Residual, 0.0)
	}
	recent := (results[62].Score + results[63].Score + results[64].Score) / 3
	assert.InDelta(t, 0.6*recent/5+0.4, m.Confidence(results), 1e-9)
}

func TestWeeklyPatternForecast(t *testing.T) {
	expected := func(d time.Time) float64 {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return 20
		}
		return 10
	}

	values := make([]float64, 56)
	for i := range values {
		values[i] = expected(origin.AddDate(0, 0, i))
	}

	m := New(DefaultConfig())
	require.NoError(t, m.TrainSeries(makeSeries(values)))
	assert.True(t, m.fit.Weekly)
	assert.False(t, m.fit.Yearly)

	dates := make([]time.Time, 7)
	for i := range dates {
		dates[i] = origin.AddDate(0, 0, 56+i)
	}
	forecast, err := m.Forecast(dates)
	require.NoError(t, err)
	for i, d := range dates {
		assert.InDelta(t, expected(d), forecast[i], 0.5, "forecast for %s", d.Weekday())
	}
}

func TestScaleInvariance(t *testing.T) {
	base := New(DefaultConfig())
	require.NoError(t, base.TrainSeries(noisySeries(1)))
	baseResults, err := base.DetectSeries(noisySeries(1))
	require.NoError(t, err)

	scaled := New(DefaultConfig())
	require.NoError(t, scaled.TrainSeries(noisySeries(7.5)))
	scaledResults, err := scaled.DetectSeries(noisySeries(7.5))
	require.NoError(t, err)

	require.Len(t, scaledResults, len(baseResults))
	for i := range baseResults {
		assert.InDelta(t, baseResults[i].Score, scaledResults[i].Score, 1e-6)
		assert.Equal(t, baseResults[i].IsAnomaly, scaledResults[i].IsAnomaly)
	}
	assert.True(t, baseResults[68].IsAnomaly)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := New(DefaultConfig(), WithThreshold(2.5), WithScoreBaseline(3))
	require.NoError(t, m.TrainSeries(noisySeries(1)))

	data, err := m.Save()
	require.NoError(t, err)

	restored := New(Config{})
	require.NoError(t, restored.Load(data))
	assert.True(t, restored.Trained())
	assert.Equal(t, m.cfg, restored.cfg)
	assert.Equal(t, 2.5, restored.threshold)

	holdout := noisySeries(1.2)
	want, err := m.DetectSeries(holdout)
	require.NoError(t, err)
	got, err := restored.DetectSeries(holdout)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadRejectsGarbage(t *testing.T) {
	m := New(DefaultConfig())
	assert.Error(t, m.Load([]byte("not a model")))
	assert.False(t, m.Trained())
}

func TestPlaceChangepoints(t *testing.T) {
	days := make([]int64, 100)
	for i := range days {
		days[i] = int64(i)
	}
	cps := placeChangepoints(days, 99, 25, 0.8)
	require.Len(t, cps, 25)
	for i := 1; i < len(cps); i++ {
		assert.Greater(t, cps[i], cps[i-1])
	}
	assert.LessOrEqual(t, cps[len(cps)-1], 0.8)

	assert.Len(t, placeChangepoints(days[:10], 9, 25, 0.8), 7)
	assert.Empty(t, placeChangepoints(days[:2], 1, 25, 0.8))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ChangepointRange = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SeasonalityPriorScale = 0
	assert.Error(t, cfg.Validate())
}
