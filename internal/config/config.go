package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange  ExchangeConfig
	Risk      RiskConfig
	Exec      ExecConfig
	Exits     ExitsConfig
	Breakeven BreakevenConfig
	Dedup     DedupConfig
	Store     StoreConfig
	Adverse   AdverseConfig
	Telegram  TelegramConfig
	Runtime   RuntimeConfig
}

type ExchangeConfig struct {
	BaseUrl    string
	WSUrl      string
	ApiKey     string
	Secret     string
	Passphrase string
}

type RiskConfig struct {
	RiskUSDT         float64
	Leverage         float64
	DayLossLimitUSDT float64
	MaxConsecLosses  int
	CooldownMin      int
	MaxLossPerSymbol float64
	Buckets          map[string][]string
	BucketCaps       map[string]float64
	DefaultBucketCap float64
	StatePath        string
}

type ExecConfig struct {
	Split            []float64
	QueueThreshold   float64
	RequoteCooldown  time.Duration
	PostOnly         bool
	MakerTakerSwitch bool
	TakerFraction    float64
	FillTimeout      time.Duration
	PollInterval     time.Duration
	BookStale        time.Duration
}

type ExitsConfig struct {
	FeeBufferTicks int
	StopPriceType  string
	PlaceTP2Now    bool
}

type BreakevenConfig struct {
	PollInterval time.Duration
	RelaunchTTL  time.Duration
}

type DedupConfig struct {
	Path            string
	TTL             time.Duration
	EntryBucketTick int
	EntryTick       float64
}

type StoreConfig struct {
	PositionsPath string
}

type AdverseConfig struct {
	BookImbalanceThreshold float64
	FundingThreshold       float64
	DeltaThreshold         float64
	MaxQuoteStale          time.Duration
}

type TelegramConfig struct {
	Token  string
	ChatID string
}

type RuntimeConfig struct {
	DryRun bool
	Log    LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Load() (*Config, error) {

	cfg := &Config{}
	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	viper.ReadInConfig()

	setDefaults()

	cfg.Exchange = ExchangeConfig{
		BaseUrl:    viper.GetString("exchange.base_url"),
		WSUrl:      viper.GetString("exchange.ws_url"),
		ApiKey:     envSub("exchange.api_key"),
		Secret:     envSub("exchange.secret"),
		Passphrase: envSub("exchange.passphrase"),
	}

	cfg.Risk = RiskConfig{
		RiskUSDT:         viper.GetFloat64("risk.risk_usdt"),
		Leverage:         viper.GetFloat64("risk.leverage"),
		DayLossLimitUSDT: viper.GetFloat64("risk.day_loss_limit_usdt"),
		MaxConsecLosses:  viper.GetInt("risk.max_consec_losses"),
		CooldownMin:      viper.GetInt("risk.cooldown_min"),
		MaxLossPerSymbol: viper.GetFloat64("risk.max_loss_per_symbol_usdt"),
		Buckets:          viper.GetStringMapStringSlice("risk.buckets"),
		BucketCaps:       bucketCaps(),
		DefaultBucketCap: viper.GetFloat64("risk.default_bucket_cap"),
		StatePath:        viper.GetString("risk.state_path"),
	}

	cfg.Exec = ExecConfig{
		Split:            splitFractions(),
		QueueThreshold:   viper.GetFloat64("exec.queue_threshold"),
		RequoteCooldown:  viper.GetDuration("exec.requote_cooldown"),
		PostOnly:         viper.GetBool("exec.post_only"),
		MakerTakerSwitch: viper.GetBool("exec.maker_taker_switch"),
		TakerFraction:    viper.GetFloat64("exec.taker_fraction"),
		FillTimeout:      viper.GetDuration("exec.fill_timeout"),
		PollInterval:     viper.GetDuration("exec.poll_interval"),
		BookStale:        viper.GetDuration("exec.book_stale"),
	}

	cfg.Exits = ExitsConfig{
		FeeBufferTicks: viper.GetInt("exits.fee_buffer_ticks"),
		StopPriceType:  viper.GetString("exits.stop_price_type"),
		PlaceTP2Now:    viper.GetBool("exits.place_tp2_now"),
	}

	cfg.Breakeven = BreakevenConfig{
		PollInterval: viper.GetDuration("breakeven.poll_interval"),
		RelaunchTTL:  viper.GetDuration("breakeven.relaunch_ttl"),
	}

	cfg.Dedup = DedupConfig{
		Path:            viper.GetString("dedup.path"),
		TTL:             viper.GetDuration("dedup.ttl"),
		EntryBucketTick: viper.GetInt("dedup.entry_bucket_ticks"),
		EntryTick:       viper.GetFloat64("dedup.entry_tick"),
	}

	cfg.Store = StoreConfig{
		PositionsPath: viper.GetString("store.positions_path"),
	}

	cfg.Adverse = AdverseConfig{
		BookImbalanceThreshold: viper.GetFloat64("adverse.book_imbalance_threshold"),
		FundingThreshold:       viper.GetFloat64("adverse.funding_threshold"),
		DeltaThreshold:         viper.GetFloat64("adverse.delta_threshold"),
		MaxQuoteStale:          viper.GetDuration("adverse.max_quote_stale"),
	}

	cfg.Telegram = TelegramConfig{
		Token:  envSub("telegram.token"),
		ChatID: envSub("telegram.chat_id"),
	}

	cfg.Runtime = RuntimeConfig{
		DryRun: viper.GetBool("runtime.dry_run"),
		Log: LogConfig{
			Level:      viper.GetString("runtime.log.level"),
			Format:     viper.GetString("runtime.log.format"),
			File:       viper.GetString("runtime.log.file"),
			MaxSize:    viper.GetInt("runtime.log.max_size"),
			MaxBackups: viper.GetInt("runtime.log.max_backups"),
			MaxAge:     viper.GetInt("runtime.log.max_age"),
			Compress:   viper.GetBool("runtime.log.compress"),
		},
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("exchange.base_url", "https://api-futures.kucoin.com")
	viper.SetDefault("risk.leverage", 20.0)
	viper.SetDefault("risk.max_consec_losses", 3)
	viper.SetDefault("risk.cooldown_min", 30)
	viper.SetDefault("risk.default_bucket_cap", 1.5)
	viper.SetDefault("risk.state_path", "risk_state.json")
	viper.SetDefault("exec.split", []float64{0.6, 0.4})
	viper.SetDefault("exec.queue_threshold", 2000.0)
	viper.SetDefault("exec.requote_cooldown", "800ms")
	viper.SetDefault("exec.post_only", true)
	viper.SetDefault("exec.taker_fraction", 0.25)
	viper.SetDefault("exec.fill_timeout", "45s")
	viper.SetDefault("exec.poll_interval", "1s")
	viper.SetDefault("exec.book_stale", "3s")
	viper.SetDefault("exits.fee_buffer_ticks", 2)
	viper.SetDefault("exits.stop_price_type", "MP")
	viper.SetDefault("breakeven.poll_interval", "1200ms")
	viper.SetDefault("breakeven.relaunch_ttl", "30s")
	viper.SetDefault("dedup.path", "sent_signals.json")
	viper.SetDefault("dedup.ttl", "6h")
	viper.SetDefault("dedup.entry_bucket_ticks", 10)
	viper.SetDefault("dedup.entry_tick", 0.1)
	viper.SetDefault("store.positions_path", "positions.json")
	viper.SetDefault("adverse.book_imbalance_threshold", 0.6)
	viper.SetDefault("adverse.funding_threshold", 0.01)
	viper.SetDefault("adverse.delta_threshold", 0.15)
	viper.SetDefault("adverse.max_quote_stale", "8s")
}

func splitFractions() []float64 {
	raw := viper.GetStringSlice("exec.split")
	if len(raw) == 0 {
		return []float64{0.6, 0.4}
	}
	out := make([]float64, 0, len(raw))
	for _, part := range raw {
		if v := parseFloat(part); v > 0 {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []float64{0.6, 0.4}
	}
	return out
}

func bucketCaps() map[string]float64 {
	raw := viper.GetStringMapString("risk.bucket_caps")
	out := make(map[string]float64, len(raw))
	for name, val := range raw {
		out[name] = parseFloat(val)
	}
	return out
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func envSub(key string) string {
	val := viper.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
