package sales

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(offset int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

type staticSource struct {
	records []Record
	err     error
}

func (s staticSource) ListSales(_ context.Context, _, _ string, _, _ time.Time) ([]Record, error) {
	return s.records, s.err
}

func TestAggregateFillsGaps(t *testing.T) {
	records := []Record{
		{PharmacyID: "p1", Category: "fever", Date: day(0), QuantitySold: 5},
		{PharmacyID: "p2", Category: "fever", Date: day(0).Add(13 * time.Hour), QuantitySold: 3},
		{PharmacyID: "p1", Category: "fever", Date: day(2), QuantitySold: 7},
	}

	series, err := Aggregate("z1", "fever", records)
	require.NoError(t, err)
	require.Equal(t, 3, series.Len())
	assert.Equal(t, []float64{8, 0, 7}, series.Values())
	assert.Equal(t, []time.Time{day(0), day(1), day(2)}, series.Dates())
}

func TestAggregateSkipsOtherCategories(t *testing.T) {
	records := []Record{
		{PharmacyID: "p1", Category: "fever", Date: day(0), QuantitySold: 5},
		{PharmacyID: "p1", Category: "allergy", Date: day(1), QuantitySold: 9},
	}
	series, err := Aggregate("z1", "fever", records)
	require.NoError(t, err)
	assert.Equal(t, []float64{5}, series.Values())
}

func TestAggregateEmpty(t *testing.T) {
	_, err := Aggregate("z1", "fever", nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestAggregateRejectsNegative(t *testing.T) {
	_, err := Aggregate("z1", "fever", []Record{{PharmacyID: "p1", Date: day(0), QuantitySold: -1}})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestPreprocessorBuildSeries(t *testing.T) {
	pre := NewPreprocessor(staticSource{records: []Record{
		{PharmacyID: "p1", Date: day(0), QuantitySold: 1},
		{PharmacyID: "p1", Date: day(3), QuantitySold: 4},
	}}, zerolog.Nop())

	series, err := pre.BuildSeries(context.Background(), "z1", "fever", day(0), day(10))
	require.NoError(t, err)
	assert.Equal(t, "z1", series.Zone)
	assert.Equal(t, []float64{1, 0, 0, 4}, series.Values())
}

func TestPreprocessorPropagatesSourceError(t *testing.T) {
	boom := errors.New("boom")
	pre := NewPreprocessor(staticSource{err: boom}, zerolog.Nop())
	_, err := pre.BuildSeries(context.Background(), "z1", "fever", day(0), day(1))
	assert.ErrorIs(t, err, boom)
}

func TestPreprocessorEmptyRange(t *testing.T) {
	pre := NewPreprocessor(staticSource{}, zerolog.Nop())
	_, err := pre.BuildSeries(context.Background(), "z1", "fever", day(0), day(1))
	assert.ErrorIs(t, err, ErrInsufficientData)
}
