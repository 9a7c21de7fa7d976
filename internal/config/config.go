package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/detect/ensemble"
	"drugstore-canary/internal/detect/seasonal"
	"drugstore-canary/internal/detect/sequence"
	"drugstore-canary/internal/logging"
	"drugstore-canary/internal/modelcache"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig          `mapstructure:"app"`
	Logging    logging.Config     `mapstructure:"logging"`
	Database   DatabaseConfig     `mapstructure:"database"`
	Redis      RedisConfig        `mapstructure:"redis"`
	Scheduler  SchedulerConfig    `mapstructure:"scheduler"`
	Metrics    MetricsConfig      `mapstructure:"metrics"`
	Detection  DetectionConfig    `mapstructure:"detection"`
	ModelCache modelcache.Options `mapstructure:"model_cache"`
	Alerting   AlertingConfig     `mapstructure:"alerting"`
	Export     ExportConfig       `mapstructure:"export"`
	Zones      []ZoneConfig       `mapstructure:"zones"`
	Categories []CategoryConfig   `mapstructure:"categories"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig enables the shared model cache tier and training locks.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SchedulerConfig governs sweep cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// MetricsConfig controls the Prometheus endpoint served by `run`.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// DetectionConfig groups model hyperparameters and evaluation windows.
type DetectionConfig struct {
	Threshold         float64             `mapstructure:"threshold"`
	HistoryDays       int                 `mapstructure:"history_days"`
	MinHistoryDays    int                 `mapstructure:"min_history_days"`
	ScoreBaselineDays int                 `mapstructure:"score_baseline_days"`
	Workers           int                 `mapstructure:"workers"`
	Seasonal          seasonal.Config     `mapstructure:"seasonal"`
	Sequence          sequence.Config     `mapstructure:"sequence"`
	Ensemble          ensemble.Config     `mapstructure:"ensemble"`
	Severity          detect.SeverityCuts `mapstructure:"severity"`
}

// AlertingConfig defines alert lifecycle and routing.
type AlertingConfig struct {
	Notify         bool           `mapstructure:"notify"`
	Cooldown       time.Duration  `mapstructure:"cooldown"`
	AutoResolveAge time.Duration  `mapstructure:"auto_resolve_age"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
	Webhook        WebhookConfig  `mapstructure:"webhook"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig 描述通用 webhook 告警参数。
type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int    `mapstructure:"max_data_points"`
	ModelDir      string `mapstructure:"model_dir"`
}

// ZoneConfig is a monitored area and the pharmacies inside it.
type ZoneConfig struct {
	ID         string   `mapstructure:"id"`
	Name       string   `mapstructure:"name"`
	Pharmacies []string `mapstructure:"pharmacies"`
}

// CategoryConfig is a tracked medicine category.
type CategoryConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// Pair is one (zone, category) combination evaluated by the sweep.
type Pair struct {
	ZoneID   string
	Category string
}

func (p Pair) String() string { return p.ZoneID + "/" + p.Category }

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CANARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Zones) == 0 {
		cfg.Zones = DefaultZones()
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "drugstore-canary")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.db", 0)

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63616e61))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9102")
	v.SetDefault("metrics.path", "/metrics")

	cuts := detect.DefaultSeverityCuts()
	v.SetDefault("detection.threshold", detect.DefaultThreshold)
	v.SetDefault("detection.history_days", 90)
	v.SetDefault("detection.min_history_days", 30)
	v.SetDefault("detection.score_baseline_days", 0)
	v.SetDefault("detection.workers", 4)
	v.SetDefault("detection.severity.low", cuts.Low)
	v.SetDefault("detection.severity.medium", cuts.Medium)
	v.SetDefault("detection.severity.high", cuts.High)
	v.SetDefault("detection.severity.critical", cuts.Critical)

	sc := seasonal.DefaultConfig()
	v.SetDefault("detection.seasonal.changepoint_prior_scale", sc.ChangepointPriorScale)
	v.SetDefault("detection.seasonal.seasonality_prior_scale", sc.SeasonalityPriorScale)
	v.SetDefault("detection.seasonal.n_changepoints", sc.NChangepoints)
	v.SetDefault("detection.seasonal.changepoint_range", sc.ChangepointRange)
	v.SetDefault("detection.seasonal.weekly_seasonality", sc.WeeklySeasonality)
	v.SetDefault("detection.seasonal.yearly_seasonality", sc.YearlySeasonality)
	v.SetDefault("detection.seasonal.weekly_order", sc.WeeklyOrder)
	v.SetDefault("detection.seasonal.yearly_order", sc.YearlyOrder)

	qc := sequence.DefaultConfig()
	v.SetDefault("detection.sequence.lookback_days", qc.LookbackDays)
	v.SetDefault("detection.sequence.units", qc.Units)
	v.SetDefault("detection.sequence.dense_units", qc.DenseUnits)
	v.SetDefault("detection.sequence.dropout_rate", qc.DropoutRate)
	v.SetDefault("detection.sequence.learning_rate", qc.LearningRate)
	v.SetDefault("detection.sequence.epochs", qc.Epochs)
	v.SetDefault("detection.sequence.batch_size", qc.BatchSize)
	v.SetDefault("detection.sequence.validation_split", qc.ValidationSplit)
	v.SetDefault("detection.sequence.patience", qc.Patience)
	v.SetDefault("detection.sequence.seed", qc.Seed)

	ec := ensemble.DefaultConfig()
	v.SetDefault("detection.ensemble.seasonal_weight", ec.SeasonalWeight)
	v.SetDefault("detection.ensemble.sequence_weight", ec.SequenceWeight)
	v.SetDefault("detection.ensemble.confidence_threshold", ec.ConfidenceThreshold)

	mc := modelcache.DefaultOptions()
	v.SetDefault("model_cache.size", mc.Size)
	v.SetDefault("model_cache.ttl", mc.TTL.String())
	v.SetDefault("model_cache.key_prefix", mc.KeyPrefix)
	v.SetDefault("model_cache.lock_ttl", mc.LockTTL.String())
	v.SetDefault("model_cache.lock_wait", mc.LockWait.String())

	v.SetDefault("alerting.notify", true)
	v.SetDefault("alerting.cooldown", "24h")
	v.SetDefault("alerting.auto_resolve_age", "168h")
	v.SetDefault("alerting.request_timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.enabled", false)

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.model_dir", "models")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			splitListElemsHook(),
		)
	}
}

// splitListElemsHook 拆分环境变量传入的列表元素, 例如 ["16,8"] 或 ["16 8"] 变为 ["16", "8"]。
// String targets are left alone so names containing spaces survive.
func splitListElemsHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to.Kind() != reflect.Slice || to.Elem().Kind() == reflect.String {
			return data, nil
		}

		var elems []string
		switch v := data.(type) {
		case []string:
			elems = v
		case []any:
			for _, e := range v {
				s, ok := e.(string)
				if !ok {
					return data, nil
				}
				elems = append(elems, s)
			}
		default:
			return data, nil
		}

		out := make([]string, 0, len(elems))
		for _, e := range elems {
			out = append(out, strings.FieldsFunc(e, func(r rune) bool {
				return r == ',' || unicode.IsSpace(r)
			})...)
		}
		return out, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if err := c.Detection.Validate(); err != nil {
		return err
	}
	if c.ModelCache.Size <= 0 {
		return fmt.Errorf("model_cache.size must be greater than zero")
	}
	if c.Alerting.Cooldown <= 0 {
		return fmt.Errorf("alerting.cooldown must be greater than zero")
	}
	if c.Alerting.AutoResolveAge <= 0 {
		return fmt.Errorf("alerting.auto_resolve_age must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url 必须配置")
	}

	seen := make(map[string]bool, len(c.Zones))
	for _, z := range c.Zones {
		if z.ID == "" {
			return fmt.Errorf("zones: every zone needs an id")
		}
		if seen[z.ID] {
			return fmt.Errorf("zones: duplicate zone id %q", z.ID)
		}
		seen[z.ID] = true
	}
	for _, cat := range c.Categories {
		if cat.ID == "" {
			return fmt.Errorf("categories: every category needs an id")
		}
	}
	return nil
}

// Validate checks the detection settings and every model section.
func (d DetectionConfig) Validate() error {
	if d.Threshold <= 0 {
		return fmt.Errorf("detection.threshold must be positive")
	}
	if d.HistoryDays <= 0 {
		return fmt.Errorf("detection.history_days must be greater than zero")
	}
	if d.MinHistoryDays <= d.Sequence.LookbackDays {
		return fmt.Errorf("detection.min_history_days must exceed detection.sequence.lookback_days")
	}
	if d.MinHistoryDays > d.HistoryDays {
		return fmt.Errorf("detection.min_history_days cannot exceed detection.history_days")
	}
	if d.ScoreBaselineDays < 0 {
		return fmt.Errorf("detection.score_baseline_days cannot be negative")
	}
	if d.Workers <= 0 {
		return fmt.Errorf("detection.workers must be greater than zero")
	}
	if err := d.Seasonal.Validate(); err != nil {
		return fmt.Errorf("detection.seasonal: %w", err)
	}
	if err := d.Sequence.Validate(); err != nil {
		return fmt.Errorf("detection.sequence: %w", err)
	}
	if err := d.Ensemble.Validate(); err != nil {
		return fmt.Errorf("detection.ensemble: %w", err)
	}
	if err := d.Severity.Validate(); err != nil {
		return fmt.Errorf("detection.severity: %w", err)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ZoneName returns the display name of a zone, or the id when unknown.
func (c *Config) ZoneName(id string) string {
	for _, z := range c.Zones {
		if z.ID == id && z.Name != "" {
			return z.Name
		}
	}
	return id
}

// CategoryName returns the display label of a category, or the id when unknown.
func (c *Config) CategoryName(id string) string {
	for _, cat := range c.Categories {
		if cat.ID == id && cat.Name != "" {
			return cat.Name
		}
	}
	return id
}

// ZoneOfPharmacy maps a pharmacy to its zone, or "" when it is not listed.
func (c *Config) ZoneOfPharmacy(pharmacyID string) string {
	for _, z := range c.Zones {
		for _, p := range z.Pharmacies {
			if p == pharmacyID {
				return z.ID
			}
		}
	}
	return ""
}

// Pairs lists every (zone, category) combination in configuration order.
func (c *Config) Pairs() []Pair {
	pairs := make([]Pair, 0, len(c.Zones)*len(c.Categories))
	for _, z := range c.Zones {
		for _, cat := range c.Categories {
			pairs = append(pairs, Pair{ZoneID: z.ID, Category: cat.ID})
		}
	}
	return pairs
}

// DefaultZones is the Hat Yai zone catalog used when none is configured.
func DefaultZones() []ZoneConfig {
	return []ZoneConfig{
		{ID: "zone_a", Name: "ตัวเมืองหาดใหญ่", Pharmacies: []string{"pharmacy_001", "pharmacy_002", "pharmacy_003"}},
		{ID: "zone_b", Name: "คลองแห", Pharmacies: []string{"pharmacy_004", "pharmacy_005"}},
		{ID: "zone_c", Name: "คอหงส์", Pharmacies: []string{"pharmacy_006", "pharmacy_007", "pharmacy_008"}},
		{ID: "zone_d", Name: "ควนลัง", Pharmacies: []string{"pharmacy_009", "pharmacy_010"}},
	}
}

// DefaultCategories is the tracked medicine catalog used when none is configured.
func DefaultCategories() []CategoryConfig {
	return []CategoryConfig{
		{ID: "fever", Name: "fever medicine"},
		{ID: "diarrhea", Name: "diarrhea medicine"},
		{ID: "skin_infection", Name: "skin infection medicine"},
		{ID: "allergy", Name: "allergy medicine"},
		{ID: "pain", Name: "pain relief"},
		{ID: "respiratory", Name: "respiratory medicine"},
	}
}

var _ detect.Labels = (*Config)(nil)
