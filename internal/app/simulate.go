package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/sales"
	"drugstore-canary/internal/storage"
)

// SimulateAlert 构造一个合成告警候选, 走完整的告警流程并发送通知。
// Alerts go to an in-memory store so nothing is persisted.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Notify {
		return errors.New("alerting.notify 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	level, err := detect.ParseSeverity(opts.Level)
	if err != nil {
		return err
	}
	zone, category := opts.Zone, opts.Category
	if zone == "" && len(a.Config.Zones) > 0 {
		zone = a.Config.Zones[0].ID
	}
	if category == "" && len(a.Config.Categories) > 0 {
		category = a.Config.Categories[0].ID
	}

	cand := detect.Candidate{
		ZoneID:         zone,
		Category:       category,
		Severity:       level,
		Score:          opts.Score,
		Confidence:     opts.Confidence,
		ModelAgreement: true,
		DetectedAt:     sales.Day(time.Now()).AddDate(0, 0, -1),
		Message: fmt.Sprintf(
			"[SIMULATION] %s sales in %s are unusually high (severity: %s).",
			a.Config.CategoryName(category), a.Config.ZoneName(zone), level,
		),
	}

	manager := a.newManager(storage.NewMemoryStore(), notifier)
	alert, created, err := manager.CreateAlert(ctx, cand)
	if err != nil {
		return err
	}
	if !created {
		return errors.New("simulated alert was suppressed")
	}
	a.Logger.Info().Int64("alert_id", alert.ID).Str("zone", zone).Str("category", category).Msg("模拟告警已发送")
	return nil
}
