package sequence

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/sales"
)

var origin = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		LookbackDays:    14,
		Units:           []int{6, 4},
		DenseUnits:      4,
		DropoutRate:     0.1,
		LearningRate:    0.01,
		Epochs:          40,
		BatchSize:       16,
		ValidationSplit: 0.2,
		Patience:        10,
		Seed:            7,
	}
}

func makeSeries(values []float64) sales.TimeSeries {
	points := make([]sales.Point, len(values))
	for i, v := range values {
		points[i] = sales.Point{Date: origin.AddDate(0, 0, i), Value: v}
	}
	return sales.TimeSeries{Zone: "z1", Category: "fever", Points: points}
}

func spikeValues(scale float64) []float64 {
	values := make([]float64, 65)
	for i := range values {
		values[i] = 20 * scale
		if i >= 60 {
			values[i] = 80 * scale
		}
	}
	return values
}

func sineWindows() []sales.Window {
	values := make([]float64, 80)
	for i := range values {
		values[i] = 30 + 10*math.Sin(2*math.Pi*float64(i)/7)
	}
	return sales.Windowize(makeSeries(values), 14)
}

func TestTrainWithoutWindows(t *testing.T) {
	m := New(testConfig())
	err := m.TrainWindows(nil)
	assert.ErrorIs(t, err, detect.ErrInsufficientData)
	assert.False(t, m.Trained())
}

func TestDetectBeforeTrain(t *testing.T) {
	m := New(testConfig())
	_, err := m.DetectWindows(sineWindows())
	assert.ErrorIs(t, err, detect.ErrModelNotTrained)

	_, err = m.Save()
	assert.ErrorIs(t, err, detect.ErrModelNotTrained)
}

func TestTrainRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Units = nil
	err := New(cfg).TrainWindows(sineWindows())
	assert.Error(t, err)
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	net := newNetwork(1, []int{3, 2}, 3, rand.New(rand.NewSource(1)))
	inputs := []float64{0.5, -0.2, 0.9, 0.1}
	target := 0.3

	loss := func() float64 {
		d := net.forward(inputs, false, 0, nil).out - target
		return 0.5 * d * d
	}

	grads := net.zeroLike()
	st := net.forward(inputs, false, 0, nil)
	net.backward(st, st.out-target, grads)

	const h = 1e-5
	analytic := grads.params()
	for i, p := range net.params() {
		for j := range p {
			orig := p[j]
			p[j] = orig + h
			plus := loss()
			p[j] = orig - h
			minus := loss()
			p[j] = orig

			numeric := (plus - minus) / (2 * h)
			assert.InDelta(t, numeric, analytic[i][j], 1e-6+1e-4*math.Abs(numeric), "param %d[%d]", i, j)
		}
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	windows := sineWindows()
	cfg := testConfig()

	initial := meanSquaredError(newNetwork(1, cfg.Units, cfg.DenseUnits, rand.New(rand.NewSource(cfg.Seed))), windows[int(float64(len(windows))*0.8):])

	m := New(cfg)
	require.NoError(t, m.TrainWindows(windows))
	report := m.Report()
	assert.True(t, report.Validated)
	assert.Greater(t, report.Epochs, 0)
	assert.Less(t, report.BestLoss, initial)
}

func TestTrainingIsDeterministic(t *testing.T) {
	windows := sineWindows()

	a := New(testConfig())
	require.NoError(t, a.TrainWindows(windows))
	b := New(testConfig())
	require.NoError(t, b.TrainWindows(windows))

	pa, err := a.Predict(windows)
	require.NoError(t, err)
	pb, err := b.Predict(windows)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestSpikeScoring(t *testing.T) {
	windows := sales.Windowize(makeSeries(spikeValues(1)), 14)
	require.Len(t, windows, 51)

	m := New(testConfig())
	require.NoError(t, m.TrainWindows(windows))

	results, err := m.DetectWindows(windows)
	require.NoError(t, err)
	require.Len(t, results, 51)
	assert.Equal(t, origin.AddDate(0, 0, 14), results[0].Date)

	flat := results[:46]
	for _, r := range flat {
		assert.False(t, r.IsAnomaly)
		assert.Equal(t, flat[0].Score, r.Score)
		assert.InDelta(t, 20, r.Actual, 1e-9)
	}

	flagged := 0
	for _, r := range results[46:] {
		assert.InDelta(t, 80, r.Actual, 1e-9)
		if r.IsAnomaly {
			flagged++
		}
	}
	assert.Greater(t, flagged, 0)
}

func TestScaleInvariantScores(t *testing.T) {
	m := New(testConfig())
	require.NoError(t, m.TrainWindows(sales.Windowize(makeSeries(spikeValues(1)), 14)))

	base, err := m.DetectWindows(sales.Windowize(makeSeries(spikeValues(1)), 14))
	require.NoError(t, err)
	scaled, err := m.DetectWindows(sales.Windowize(makeSeries(spikeValues(4)), 14))
	require.NoError(t, err)

	require.Len(t, scaled, len(base))
	for i := range base {
		assert.InDelta(t, base[i].Score, scaled[i].Score, 1e-6)
		assert.Equal(t, base[i].IsAnomaly, scaled[i].IsAnomaly)
		assert.InDelta(t, 4*base[i].Predicted, scaled[i].Predicted, 1e-6)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	windows := sineWindows()
	m := New(testConfig(), WithThreshold(2.5))
	require.NoError(t, m.TrainWindows(windows))

	data, err := m.Save()
	require.NoError(t, err)

	restored := New(Config{})
	require.NoError(t, restored.Load(data))
	assert.True(t, restored.Trained())
	assert.Equal(t, m.Normalization(), restored.Normalization())
	assert.Equal(t, testConfig(), restored.cfg)

	want, err := m.DetectWindows(windows)
	require.NoError(t, err)
	got, err := restored.DetectWindows(windows)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadRejectsGarbage(t *testing.T) {
	m := New(testConfig())
	assert.Error(t, m.Load([]byte{0x01, 0x02}))
	assert.False(t, m.Trained())
}

func TestPredictLookbackMismatch(t *testing.T) {
	m := New(testConfig())
	require.NoError(t, m.TrainWindows(sineWindows()))

	short := sales.Windowize(makeSeries([]float64{1, 2, 3, 4, 5, 6, 7, 8}), 7)
	_, err := m.Predict(short)
	assert.Error(t, err)
}

func TestSplitWindows(t *testing.T) {
	windows := make([]sales.Window, 10)
	tests := []struct {
		name      string
		n         int
		split     float64
		wantTrain int
		wantVal   int
	}{
		{name: "default split", n: 10, split: 0.2, wantTrain: 8, wantVal: 2},
		{name: "no split", n: 10, split: 0, wantTrain: 10, wantVal: 0},
		{name: "single window", n: 1, split: 0.2, wantTrain: 1, wantVal: 0},
		{name: "rounds down", n: 7, split: 0.2, wantTrain: 5, wantVal: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			train, val := splitWindows(windows[:tt.n], tt.split)
			assert.Len(t, train, tt.wantTrain)
			assert.Len(t, val, tt.wantVal)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.DropoutRate = 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Units = []int{64, 0}
	assert.Error(t, cfg.Validate())
}
