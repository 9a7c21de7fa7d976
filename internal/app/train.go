package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"drugstore-canary/internal/config"
	"drugstore-canary/internal/detect"
)

// Train fits an ensemble per pair and writes each artifact to <out>/<zone>_<category>.model.
// Pairs without enough history are skipped.
func (a *App) Train(ctx context.Context, opts TrainOptions) error {
	outDir := opts.OutDir
	if outDir == "" {
		outDir = a.Config.Export.ModelDir
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	svc, closeCache := a.newService(ctx, repo, nil, false)
	defer closeCache()

	pairs := svc.Pairs()
	if opts.Zone != "" || opts.Category != "" {
		pairs = []config.Pair{{ZoneID: opts.Zone, Category: opts.Category}}
	}

	asOf := resolveAsOf(opts.AsOf)
	trained, skipped, failed := 0, 0, 0
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := svc.Train(ctx, pair, asOf)
		if errors.Is(err, detect.ErrInsufficientData) {
			skipped++
			a.Logger.Warn().Str("zone", pair.ZoneID).Str("category", pair.Category).Msg("历史数据不足, 跳过训练")
			continue
		}
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("zone", pair.ZoneID).Str("category", pair.Category).Msg("训练失败")
			continue
		}

		path := modelPath(outDir, pair)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		trained++
		a.Logger.Info().Str("path", path).Int("bytes", len(data)).Msg("model saved")
	}

	a.Logger.Info().Int("trained", trained).Int("skipped", skipped).Int("failed", failed).Msg("训练完成")
	if failed > 0 {
		return errors.New("部分组合训练失败，请检查日志")
	}
	return nil
}

func modelPath(dir string, pair config.Pair) string {
	return filepath.Join(dir, pair.ZoneID+"_"+pair.Category+".model")
}
