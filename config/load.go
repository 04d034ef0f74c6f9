package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"market-sync-go/gateway"
	"market-sync-go/market"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string        `yaml:"env"`
	Log     LogConfig     `yaml:"log"`
	Indexer IndexerConfig `yaml:"indexer"`
	RPC     RPCConfig     `yaml:"rpc"`
	Perp    PerpConfig    `yaml:"perp"`
	Market  MarketConfig  `yaml:"market"`
	Poll    PollConfig    `yaml:"poll"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Watch   WatchConfig   `yaml:"watch"`
	Alert   AlertConfig   `yaml:"alert"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json / console
	Dir        string `yaml:"dir"`    // 为空时只输出到 stdout
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// ScaleConfig 索引器返回的定点整数的小数位。
type ScaleConfig struct {
	SizeDecimals  int32 `yaml:"sizeDecimals"`
	PriceDecimals int32 `yaml:"priceDecimals"`
}

type IndexerConfig struct {
	URL     string                 `yaml:"url"`
	Timeout time.Duration          `yaml:"timeout"`
	RPS     float64                `yaml:"rps"`
	Burst   int                    `yaml:"burst"`
	Scale   ScaleConfig            `yaml:"scale"`
	Markets map[string]ScaleConfig `yaml:"markets"` // 按市场覆盖 scale
}

type RPCConfig struct {
	URL         string        `yaml:"url"` // 为空时不启用永续合约读取
	CallTimeout time.Duration `yaml:"callTimeout"`
	Fanout      int           `yaml:"fanout"`
}

type PerpScaleConfig struct {
	Ratio      int32 `yaml:"ratio"`
	Price      int32 `yaml:"price"`
	Size       int32 `yaml:"size"`
	Notional   int32 `yaml:"notional"`
	Collateral int32 `yaml:"collateral"`
	Funding    int32 `yaml:"funding"`
	Premium    int32 `yaml:"premium"`
}

type PerpConfig struct {
	Vault           string          `yaml:"vault"`
	AccountBalance  string          `yaml:"accountBalance"`
	ClearingHouse   string          `yaml:"clearingHouse"`
	PerpMarket      string          `yaml:"perpMarket"`
	QuoteAsset      string          `yaml:"quoteAsset"`
	CollateralAsset string          `yaml:"collateralAsset"`
	Assets          []string        `yaml:"assets"`
	RefreshInterval time.Duration   `yaml:"refreshInterval"`
	Scales          PerpScaleConfig `yaml:"scales"`
}

type MarketConfig struct {
	Active       string `yaml:"active"`
	OrderLimit   int    `yaml:"orderLimit"`
	Window       int    `yaml:"window"` // -1 表示不截断
	Filter       string `yaml:"filter"` // balanced / all / buy / sell
	SpreadPlaces int32  `yaml:"spreadPlaces"`
	TradeLimit   int    `yaml:"tradeLimit"`
}

type PollConfig struct {
	BookInterval   time.Duration `yaml:"bookInterval"`
	TradesInterval time.Duration `yaml:"tradesInterval"`
	RunImmediately *bool         `yaml:"runImmediately"`
}

// Immediate 默认启动即拉取一次。
func (p PollConfig) Immediate() bool {
	return p.RunImmediately == nil || *p.RunImmediately
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"` // 为空时不启用
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // 为空时不启用
	Topic   string   `yaml:"topic"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// AlertConfig 连续失败告警。Webhook 为空时只写日志。
type AlertConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	Throttle         time.Duration `yaml:"throttle"`
	Webhook          string        `yaml:"webhook"`
	WebhookTimeout   time.Duration `yaml:"webhookTimeout"`
}

// Load reads YAML config from path, fills defaults and validates.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides 先读取配置文件同目录的 .env（不存在则忽略），再用 MM_* 环境变量覆盖。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyEnv(&cfg)
	ApplyDefaults(&cfg)
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("MM_RPC_URL"); v != "" {
		cfg.RPC.URL = v
	}
	if v := os.Getenv("MM_INDEXER_URL"); v != "" {
		cfg.Indexer.URL = v
	}
	if v := os.Getenv("MM_ACTIVE_MARKET"); v != "" {
		cfg.Market.Active = v
	}
	if v := os.Getenv("MM_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("MM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MM_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Kafka.Brokers = brokers
	}
}

// ApplyDefaults 填充未配置的字段。
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 7
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}
	if cfg.Indexer.Timeout == 0 {
		cfg.Indexer.Timeout = 10 * time.Second
	}
	if cfg.Indexer.RPS == 0 {
		cfg.Indexer.RPS = 10
	}
	if cfg.Indexer.Burst == 0 {
		cfg.Indexer.Burst = 20
	}
	if cfg.Indexer.Scale == (ScaleConfig{}) {
		cfg.Indexer.Scale = ScaleConfig{SizeDecimals: 9, PriceDecimals: 9}
	}
	if cfg.RPC.CallTimeout == 0 {
		cfg.RPC.CallTimeout = 10 * time.Second
	}
	if cfg.RPC.Fanout == 0 {
		cfg.RPC.Fanout = 8
	}
	if cfg.Perp.RefreshInterval == 0 {
		cfg.Perp.RefreshInterval = 30 * time.Second
	}
	if cfg.Perp.Scales == (PerpScaleConfig{}) {
		cfg.Perp.Scales = PerpScaleConfig{Ratio: 6, Price: 9, Size: 9, Notional: 6, Collateral: 6, Funding: 18, Premium: 18}
	}
	if cfg.Market.OrderLimit == 0 {
		cfg.Market.OrderLimit = 20
	}
	if cfg.Market.Window == 0 {
		cfg.Market.Window = 20
	}
	if cfg.Market.Filter == "" {
		cfg.Market.Filter = string(market.FilterBalanced)
	}
	if cfg.Market.SpreadPlaces == 0 {
		cfg.Market.SpreadPlaces = 2
	}
	if cfg.Market.TradeLimit == 0 {
		cfg.Market.TradeLimit = 50
	}
	if cfg.Poll.BookInterval == 0 {
		cfg.Poll.BookInterval = 10 * time.Second
	}
	if cfg.Poll.TradesInterval == 0 {
		cfg.Poll.TradesInterval = 2 * time.Second
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 5 * time.Second
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "mm"
	}
	if cfg.Metrics.Subsystem == "" {
		cfg.Metrics.Subsystem = "sync"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "mm"
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = time.Minute
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "market-snapshots"
	}
	if cfg.Watch.Cooldown == 0 {
		cfg.Watch.Cooldown = 2 * time.Second
	}
	if cfg.Alert.FailureThreshold == 0 {
		cfg.Alert.FailureThreshold = 5
	}
	if cfg.Alert.Throttle == 0 {
		cfg.Alert.Throttle = 5 * time.Minute
	}
	if cfg.Alert.WebhookTimeout == 0 {
		cfg.Alert.WebhookTimeout = 5 * time.Second
	}
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Indexer.URL == "" {
		return errors.New("indexer.url is required (or MM_INDEXER_URL)")
	}
	if cfg.Indexer.RPS < 0 || cfg.Indexer.Burst < 0 {
		return errors.New("indexer.rps/burst must be >= 0")
	}
	if err := validScale("indexer.scale", cfg.Indexer.Scale); err != nil {
		return err
	}
	for id, sc := range cfg.Indexer.Markets {
		if err := validScale("indexer.markets."+id, sc); err != nil {
			return err
		}
	}
	if cfg.Market.OrderLimit <= 0 {
		return errors.New("market.orderLimit must be > 0")
	}
	if cfg.Market.Window < -1 {
		return errors.New("market.window must be >= -1")
	}
	if _, err := market.ParseFilterMode(cfg.Market.Filter); err != nil {
		return fmt.Errorf("market.filter: %w", err)
	}
	if cfg.Market.SpreadPlaces < 0 || cfg.Market.SpreadPlaces > 18 {
		return errors.New("market.spreadPlaces must be within [0, 18]")
	}
	if cfg.Market.TradeLimit <= 0 {
		return errors.New("market.tradeLimit must be > 0")
	}
	if cfg.Poll.BookInterval <= 0 || cfg.Poll.TradesInterval <= 0 {
		return errors.New("poll.bookInterval/tradesInterval must be > 0")
	}
	if cfg.RPC.URL != "" {
		for name, addr := range map[string]string{
			"perp.vault":          cfg.Perp.Vault,
			"perp.accountBalance": cfg.Perp.AccountBalance,
			"perp.clearingHouse":  cfg.Perp.ClearingHouse,
			"perp.perpMarket":     cfg.Perp.PerpMarket,
		} {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("%s must be a contract address when rpc.url is set", name)
			}
		}
		for _, a := range cfg.Perp.Assets {
			if !common.IsHexAddress(a) {
				return fmt.Errorf("perp.assets: invalid address %q", a)
			}
		}
		if cfg.Perp.CollateralAsset != "" && !common.IsHexAddress(cfg.Perp.CollateralAsset) {
			return fmt.Errorf("perp.collateralAsset: invalid address %q", cfg.Perp.CollateralAsset)
		}
	}
	if cfg.Redis.Addr != "" && cfg.Redis.TTL < 0 {
		return errors.New("redis.ttl must be >= 0")
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}
	if cfg.Alert.FailureThreshold < 0 || cfg.Alert.Throttle < 0 {
		return errors.New("alert.failureThreshold/throttle must be >= 0")
	}
	return nil
}

func validScale(name string, sc ScaleConfig) error {
	if sc.SizeDecimals < 0 || sc.SizeDecimals > 36 || sc.PriceDecimals < 0 || sc.PriceDecimals > 36 {
		return fmt.Errorf("%s decimals must be within [0, 36]", name)
	}
	return nil
}

// BookView 转换为订单簿展示参数。
func (m MarketConfig) BookView() market.BookView {
	mode, err := market.ParseFilterMode(m.Filter)
	if err != nil {
		mode = market.FilterBalanced
	}
	return market.BookView{Window: m.Window, Filter: mode, SpreadPlaces: m.SpreadPlaces}
}

// ScaleBook 索引器各市场的小数位。
func (c IndexerConfig) ScaleBook() gateway.ScaleBook {
	book := gateway.ScaleBook{
		Default: gateway.MarketScale{SizeDecimals: c.Scale.SizeDecimals, PriceDecimals: c.Scale.PriceDecimals},
		Markets: make(map[market.MarketID]gateway.MarketScale, len(c.Markets)),
	}
	for id, sc := range c.Markets {
		book.Markets[market.MarketID(id)] = gateway.MarketScale{SizeDecimals: sc.SizeDecimals, PriceDecimals: sc.PriceDecimals}
	}
	return book
}

// GatewayPerp 组装 PerpClient 配置。
func (c AppConfig) GatewayPerp() gateway.PerpConfig {
	return gateway.PerpConfig{
		Contracts: gateway.PerpContracts{
			Vault:          c.Perp.Vault,
			AccountBalance: c.Perp.AccountBalance,
			ClearingHouse:  c.Perp.ClearingHouse,
			PerpMarket:     c.Perp.PerpMarket,
			QuoteAsset:     c.Perp.QuoteAsset,
		},
		Scales:      gateway.PerpScales(c.Perp.Scales),
		CallTimeout: c.RPC.CallTimeout,
		Fanout:      c.RPC.Fanout,
	}
}
