package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drugstore-canary/internal/alerting"
	"drugstore-canary/internal/config"
	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/sales"
	"drugstore-canary/internal/service"
	"drugstore-canary/internal/storage"
)

var origin = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const testConfigYAML = `
detection:
  history_days: 65
  min_history_days: 30
  workers: 1
  sequence:
    units: [6, 4]
    dense_units: 4
    learning_rate: 0.01
    epochs: 20
    batch_size: 16
    validation_split: 0
    seed: 3
zones:
  - id: z1
    name: Hat Yai City
    pharmacies: [p1]
categories:
  - id: fever
    name: fever medicine
`

func newTestApp(t *testing.T, extra string) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML+extra), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return NewApp(cfg, zerolog.Nop())
}

// writeSales writes 65 days of fever sales for pharmacy p1 and returns the CSV path.
func writeSales(t *testing.T) string {
	t.Helper()
	records := make([]sales.Record, 65)
	for i := range records {
		records[i] = sales.Record{
			PharmacyID:   "p1",
			ZoneID:       "z1",
			Category:     "fever",
			Date:         origin.AddDate(0, 0, i),
			QuantitySold: 20,
		}
	}
	var buf bytes.Buffer
	require.NoError(t, storage.WriteSalesCSV(&buf, records))
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestOpenRepositoryRequiresStore(t *testing.T) {
	a := newTestApp(t, "")
	_, _, err := a.openRepository(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
}

func TestTrainWritesModelFiles(t *testing.T) {
	a := newTestApp(t, "")
	a.DataPath = writeSales(t)
	out := t.TempDir()

	err := a.Train(context.Background(), TrainOptions{OutDir: out, AsOf: origin.AddDate(0, 0, 64)})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out, "z1_fever.model"))
	require.NoError(t, err)

	det, _ := service.NewDetector(a.Config.Detection, a.Config, zerolog.Nop())
	require.NoError(t, det.Load(data))
	assert.True(t, det.Trained())
}

func TestTrainSkipsShortHistory(t *testing.T) {
	a := newTestApp(t, "")
	a.DataPath = writeSales(t)
	out := t.TempDir()

	require.NoError(t, a.Train(context.Background(), TrainOptions{OutDir: out, AsOf: origin.AddDate(0, 0, 9)}))
	_, err := os.Stat(filepath.Join(out, "z1_fever.model"))
	assert.True(t, os.IsNotExist(err))
}

func TestExportCSV(t *testing.T) {
	a := newTestApp(t, "")
	a.DataPath = writeSales(t)
	out := filepath.Join(t.TempDir(), "nested", "scores.csv")

	err := a.Export(context.Background(), ExportOptions{
		Zone:      "z1",
		Category:  "fever",
		AsOf:      origin.AddDate(0, 0, 64),
		CSVPath:   out,
		MaxPoints: 10,
	})
	require.NoError(t, err)

	file, err := os.Open(out)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 11)
	assert.Equal(t, "date", rows[0][0])
	assert.Equal(t, origin.AddDate(0, 0, 14).Format(time.DateOnly), rows[1][0])
	assert.Equal(t, origin.AddDate(0, 0, 64).Format(time.DateOnly), rows[10][0])
}

func TestExportRequiresOutput(t *testing.T) {
	a := newTestApp(t, "")
	err := a.Export(context.Background(), ExportOptions{Zone: "z1", Category: "fever"})
	assert.Error(t, err)
}

func TestDownsample(t *testing.T) {
	in := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, []int{0, 3, 6, 9}, downsample(in, 4))
	assert.Equal(t, in, downsample(in, 0))
	assert.Equal(t, in, downsample(in, 20))
}

func TestPrintAlerts(t *testing.T) {
	resolved := time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)
	alerts := []storage.Alert{{
		ID:         7,
		ZoneID:     "z1",
		Category:   "fever",
		Level:      detect.SeverityHigh,
		Score:      decimal.RequireFromString("2.7182"),
		Confidence: decimal.RequireFromString("0.8333"),
		DetectedAt: time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC),
		ObservedOn: time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC),
		ResolvedAt: &resolved,
	}}

	var buf bytes.Buffer
	require.NoError(t, printAlerts(&buf, alerts))
	out := buf.String()
	assert.Contains(t, out, "2024-05-09")
	assert.Contains(t, out, "2.72")
	assert.Contains(t, out, "0.83")
	assert.Contains(t, out, "high")
	assert.Contains(t, out, "2024-05-11T00:00:00Z")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSummary(&buf, alerting.Summary{
		TotalActive: 3,
		BySeverity:  map[detect.Severity]int{detect.SeverityHigh: 2, detect.SeverityLow: 1},
		ByZone:      map[string]int{"z1": 3},
		GeneratedAt: origin,
	}))
	assert.Contains(t, buf.String(), "Active alerts")
	assert.Contains(t, buf.String(), "zone z1")
}

func TestSimulateAlertPostsWebhook(t *testing.T) {
	var mu sync.Mutex
	var got []alerting.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var note alerting.Notification
		if err := json.NewDecoder(r.Body).Decode(&note); err == nil {
			mu.Lock()
			got = append(got, note)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := newTestApp(t, "alerting:\n  webhook:\n    enabled: true\n    url: "+srv.URL+"\n")
	err := a.SimulateAlert(context.Background(), SimulateOptions{Level: "high", Score: 2.8, Confidence: 0.9})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "z1", got[0].ZoneID)
	assert.Equal(t, "fever", got[0].Category)
	assert.Contains(t, got[0].Message, "SIMULATION")
}

func TestSimulateAlertWithoutChannel(t *testing.T) {
	a := newTestApp(t, "")
	err := a.SimulateAlert(context.Background(), SimulateOptions{Level: "high", Score: 2.8, Confidence: 0.9})
	assert.Error(t, err)
}

func TestResolveUnknownAlert(t *testing.T) {
	a := newTestApp(t, "")
	a.DataPath = writeSales(t)
	err := a.Resolve(context.Background(), 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStaleModelKeys(t *testing.T) {
	records := []sales.Record{
		{ZoneID: "z1", Category: "fever", Date: origin.AddDate(0, 0, 12)},
		{ZoneID: "z1", Category: "fever", Date: origin.AddDate(0, 0, 10)},
		{ZoneID: "z2", Category: "cough", Date: origin.AddDate(0, 0, 99)},
	}

	keys := staleModelKeys(records, 3, origin.AddDate(0, 0, 100))
	assert.Equal(t, []string{
		"z1/fever@2024-01-11",
		"z1/fever@2024-01-12",
		"z1/fever@2024-01-13",
		"z1/fever@2024-01-14",
		"z1/fever@2024-01-15",
		"z2/cough@2024-04-09",
		"z2/cough@2024-04-10",
	}, keys)
	assert.Empty(t, staleModelKeys(nil, 3, origin))
}

func TestInvalidateModelsDropsCoveredKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestApp(t, "redis:\n  addr: "+mr.Addr()+"\n")

	require.NoError(t, mr.Set("canary:model:z1/fever@2024-01-16", "stale"))
	require.NoError(t, mr.Set("canary:model:z1/fever@2024-01-06", "fresh"))

	records := []sales.Record{{PharmacyID: "p1", ZoneID: "z1", Category: "fever", Date: origin.AddDate(0, 0, 10)}}
	a.invalidateModels(context.Background(), records, origin.AddDate(0, 0, 20))

	assert.False(t, mr.Exists("canary:model:z1/fever@2024-01-16"))
	assert.True(t, mr.Exists("canary:model:z1/fever@2024-01-06"))
}
