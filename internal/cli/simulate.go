package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"drugstore-canary/internal/app"
)

var (
	simulateZone       string
	simulateCategory   string
	simulateLevel      string
	simulateScore      float64
	simulateConfidence float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次销量异常并触发告警通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateScore <= 0 {
			return errors.New("--score 必须大于 0")
		}
		if simulateConfidence <= 0 || simulateConfidence > 1 {
			return errors.New("--confidence 必须在 (0, 1] 之间")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Zone:       simulateZone,
			Category:   simulateCategory,
			Level:      simulateLevel,
			Score:      simulateScore,
			Confidence: simulateConfidence,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateZone, "zone", "", "区域 id (默认第一个配置的区域)")
	simulateCmd.Flags().StringVar(&simulateCategory, "category", "", "药品类别 (默认第一个配置的类别)")
	simulateCmd.Flags().StringVar(&simulateLevel, "level", "high", "告警等级")
	simulateCmd.Flags().Float64Var(&simulateScore, "score", 2.8, "集成异常分数")
	simulateCmd.Flags().Float64Var(&simulateConfidence, "confidence", 0.85, "置信度")
}
