package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/sales"
)

var alertRowColumns = []string{
	"id", "zone_id", "medicine_category", "alert_level", "anomaly_score", "confidence", "message",
	"detected_at", "observed_on", "model_agreement", "is_active", "resolved_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

func sampleAlert() Alert {
	return Alert{
		ZoneID:         "z1",
		Category:       "fever",
		Level:          detect.SeverityHigh,
		Score:          decimal.RequireFromString("2.75"),
		Confidence:     decimal.RequireFromString("0.82"),
		Message:        "surge",
		DetectedAt:     time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC),
		ObservedOn:     time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC),
		ModelAgreement: true,
	}
}

func alertRow(id int64, a Alert) *pgxmock.Rows {
	return pgxmock.NewRows(alertRowColumns).AddRow(
		id, a.ZoneID, a.Category, string(a.Level), a.Score.String(), a.Confidence.String(), a.Message,
		a.DetectedAt, a.ObservedOn, a.ModelAgreement, true, (*time.Time)(nil),
	)
}

func TestStoreNotConfigured(t *testing.T) {
	var s *Store
	_, err := s.ListSales(context.Background(), "z1", "fever", time.Now(), time.Now())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = s.CreateAlertIfQuiet(context.Background(), sampleAlert(), time.Now())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = s.TryAdvisoryLock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	s.Close()
}

func TestListSales(t *testing.T) {
	store, mock := newMockStore(t)
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(listSalesSQL).
		WithArgs("z1", "fever", from, to).
		WillReturnRows(pgxmock.NewRows([]string{"pharmacy_id", "zone_id", "medicine_category", "sale_date", "quantity_sold"}).
			AddRow("p1", "z1", "fever", from, int64(4)).
			AddRow("p2", "z1", "fever", to, int64(7)))

	records, err := store.ListSales(context.Background(), "z1", "fever", from, to)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, sales.Record{PharmacyID: "p2", ZoneID: "z1", Category: "fever", Date: to, QuantitySold: 7}, records[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSalesUsesCopy(t *testing.T) {
	store, mock := newMockStore(t)
	day := time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC)

	mock.ExpectCopyFrom(pgx.Identifier{"pharmacy_sales"}, []string{"pharmacy_id", "medicine_category", "sale_date", "quantity_sold"}).
		WillReturnResult(2)

	n, err := store.InsertSales(context.Background(), []sales.Record{
		{PharmacyID: "p1", Category: "fever", Date: day, QuantitySold: 3},
		{PharmacyID: "p2", Category: "fever", Date: day, QuantitySold: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSalesRejectsNegative(t *testing.T) {
	store, mock := newMockStore(t)
	_, err := store.InsertSales(context.Background(), []sales.Record{{PharmacyID: "p1", QuantitySold: -1}})
	assert.ErrorIs(t, err, sales.ErrInvalidRecord)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlertIfQuietInserts(t *testing.T) {
	store, mock := newMockStore(t)
	alert := sampleAlert()
	since := alert.DetectedAt.Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(lockPairSQL).WithArgs("z1/fever").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(recentAlertExistsSQL).
		WithArgs("z1", "fever", since).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(insertAlertSQL).
		WithArgs("z1", "fever", "high", "2.75", "0.82", "surge", alert.DetectedAt, alert.ObservedOn, true).
		WillReturnRows(alertRow(11, alert))
	mock.ExpectCommit()

	created, ok, err := store.CreateAlertIfQuiet(context.Background(), alert, since)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(11), created.ID)
	assert.Equal(t, detect.SeverityHigh, created.Level)
	assert.True(t, created.Score.Equal(alert.Score))
	assert.True(t, created.IsActive)
	assert.Nil(t, created.ResolvedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlertIfQuietSuppressed(t *testing.T) {
	store, mock := newMockStore(t)
	alert := sampleAlert()
	since := alert.DetectedAt.Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(lockPairSQL).WithArgs("z1/fever").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(recentAlertExistsSQL).
		WithArgs("z1", "fever", since).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	_, ok, err := store.CreateAlertIfQuiet(context.Background(), alert, since)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlertIfQuietRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	alert := sampleAlert()
	boom := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec(lockPairSQL).WithArgs("z1/fever").WillReturnError(boom)
	mock.ExpectRollback()

	_, ok, err := store.CreateAlertIfQuiet(context.Background(), alert, alert.DetectedAt)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlertNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(getAlertSQL).WithArgs(int64(9)).WillReturnError(pgx.ErrNoRows)

	_, err := store.GetAlert(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAlert(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(resolveAlertSQL).WithArgs(int64(3), at).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(resolveAlertSQL).WithArgs(int64(4), at).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.ResolveAlert(context.Background(), 3, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ResolveAlert(context.Background(), 4, at)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveActiveBefore(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	at := cutoff.Add(7 * 24 * time.Hour)

	mock.ExpectExec(resolveActiveBeforeSQL).WithArgs(cutoff, at).WillReturnResult(pgxmock.NewResult("UPDATE", 5))

	n, err := store.ResolveActiveBefore(context.Background(), cutoff, at)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveAlerts(t *testing.T) {
	store, mock := newMockStore(t)
	alert := sampleAlert()
	mock.ExpectQuery(listActiveAlertsSQL).WillReturnRows(alertRow(1, alert))

	alerts, err := store.ListActiveAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "z1/fever", alerts[0].PairKey())
	assert.True(t, alerts[0].Confidence.Equal(decimal.RequireFromString("0.82")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecentAlertsRejectsBadDecimal(t *testing.T) {
	store, mock := newMockStore(t)
	alert := sampleAlert()
	mock.ExpectQuery(listRecentAlertsSQL).WithArgs(10).WillReturnRows(
		pgxmock.NewRows(alertRowColumns).AddRow(
			int64(1), alert.ZoneID, alert.Category, "high", "not-a-number", "0.5", "m",
			alert.DetectedAt, alert.ObservedOn, false, true, (*time.Time)(nil),
		))

	_, err := store.ListRecentAlerts(context.Background(), 10)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPharmacies(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(upsertPharmacySQL).WithArgs("p1", "z1", "Central").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(upsertPharmacySQL).WithArgs("p2", "z2", "").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.UpsertPharmacies(context.Background(), []Pharmacy{
		{ID: "p1", ZoneID: "z1", Name: "Central"},
		{ID: "p2", ZoneID: "z2"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPharmaciesRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(upsertPharmacySQL).WithArgs("p1", "z1", "").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := store.UpsertPharmacies(context.Background(), []Pharmacy{{ID: "p1", ZoneID: "z1"}})
	assert.ErrorContains(t, err, "upsert pharmacy p1")
	require.NoError(t, mock.ExpectationsWereMet())
}
