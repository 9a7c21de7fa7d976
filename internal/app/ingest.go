package app

import (
	"context"
	"errors"
	"os"
	"time"

	"drugstore-canary/internal/config"
	"drugstore-canary/internal/sales"
	"drugstore-canary/internal/service"
	"drugstore-canary/internal/storage"
)

// Ingest registers the configured pharmacy catalog and loads a sales CSV into Postgres.
func (a *App) Ingest(ctx context.Context, path string, dryRun bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	records, err := storage.ReadSalesCSV(file, a.Config.ZoneOfPharmacy)
	if err != nil {
		return err
	}
	if dryRun {
		a.Logger.Warn().Int("records", len(records)).Msg("ingest dry-run：不会写入数据库")
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法导入")
	}
	defer closeStore()

	if err := store.UpsertPharmacies(ctx, a.pharmacies()); err != nil {
		return err
	}
	n, err := store.InsertSales(ctx, records)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("inserted", n).Str("path", path).Msg("sales ingested")

	a.invalidateModels(ctx, records, sales.Day(time.Now()))
	return nil
}

// invalidateModels 删除训练窗口覆盖了新导入日期的缓存模型。
// Only the shared Redis tier outlives this process, so nothing happens without Redis.
func (a *App) invalidateModels(ctx context.Context, records []sales.Record, today time.Time) {
	if a.Config.Redis.Addr == "" {
		return
	}
	keys := staleModelKeys(records, a.Config.Detection.HistoryDays, today)
	if len(keys) == 0 {
		return
	}

	cache, closeCache := a.newCache(ctx)
	defer closeCache()
	for _, key := range keys {
		cache.Invalidate(ctx, key)
	}
	a.Logger.Info().Int("keys", len(keys)).Msg("cached models invalidated")
}

// staleModelKeys lists the model cache keys whose history window, historyDays long and ending at
// the key's as-of day, contains an ingested day. As-of days after today are never cached.
func staleModelKeys(records []sales.Record, historyDays int, today time.Time) []string {
	type span struct{ first, last time.Time }
	spans := make(map[config.Pair]span)
	var order []config.Pair
	for _, r := range records {
		pair := config.Pair{ZoneID: r.ZoneID, Category: r.Category}
		day := sales.Day(r.Date)
		sp, ok := spans[pair]
		if !ok {
			order = append(order, pair)
			sp = span{first: day, last: day}
		}
		if day.Before(sp.first) {
			sp.first = day
		}
		if day.After(sp.last) {
			sp.last = day
		}
		spans[pair] = sp
	}

	today = sales.Day(today)
	var keys []string
	for _, pair := range order {
		sp := spans[pair]
		end := sp.last.AddDate(0, 0, historyDays-1)
		if end.After(today) {
			end = today
		}
		for day := sp.first; !day.After(end); day = day.AddDate(0, 0, 1) {
			keys = append(keys, service.ModelKey(pair, day))
		}
	}
	return keys
}

func (a *App) pharmacies() []storage.Pharmacy {
	var out []storage.Pharmacy
	for _, z := range a.Config.Zones {
		for _, id := range z.Pharmacies {
			out = append(out, storage.Pharmacy{ID: id, ZoneID: z.ID})
		}
	}
	return out
}
