package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"market-sync-go/market"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const minimalConfig = `
env: dev
indexer:
  url: https://indexer.test
market:
  active: "0xeth"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Poll.BookInterval != 10*time.Second || cfg.Poll.TradesInterval != 2*time.Second {
		t.Fatalf("unexpected poll defaults: %+v", cfg.Poll)
	}
	if cfg.Market.OrderLimit != 20 || cfg.Market.Window != 20 || cfg.Market.TradeLimit != 50 {
		t.Fatalf("unexpected market defaults: %+v", cfg.Market)
	}
	if cfg.Market.Filter != "balanced" || cfg.Market.SpreadPlaces != 2 {
		t.Fatalf("unexpected view defaults: %+v", cfg.Market)
	}
	if cfg.Indexer.RPS != 10 || cfg.Indexer.Burst != 20 || cfg.RPC.Fanout != 8 {
		t.Fatalf("unexpected limiter defaults: %+v %+v", cfg.Indexer, cfg.RPC)
	}
	if cfg.RPC.CallTimeout != 10*time.Second {
		t.Fatalf("unexpected rpc timeout: %s", cfg.RPC.CallTimeout)
	}
	if !cfg.Poll.Immediate() {
		t.Fatalf("runImmediately should default to true")
	}
	if cfg.Alert.FailureThreshold != 5 || cfg.Alert.Throttle != 5*time.Minute || cfg.Alert.Webhook != "" {
		t.Fatalf("unexpected alert defaults: %+v", cfg.Alert)
	}
	if v := cfg.Market.BookView(); v.Window != 20 || v.Filter != market.FilterBalanced || v.SpreadPlaces != 2 {
		t.Fatalf("unexpected book view: %+v", v)
	}
}

func TestLoadFull(t *testing.T) {
	path := writeTempConfig(t, `
env: prod
indexer:
  url: https://indexer.test
  timeout: 3s
  markets:
    "0xeth": {sizeDecimals: 8, priceDecimals: 6}
rpc:
  url: https://rpc.test
perp:
  vault: "0x00000000000000000000000000000000000000a1"
  accountBalance: "0x00000000000000000000000000000000000000a2"
  clearingHouse: "0x00000000000000000000000000000000000000a3"
  perpMarket: "0x00000000000000000000000000000000000000a4"
  assets: ["0x00000000000000000000000000000000000000e1"]
market:
  window: -1
  filter: sell
poll:
  bookInterval: 500ms
  runImmediately: false
kafka:
  brokers: [localhost:9092]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Indexer.Timeout != 3*time.Second || cfg.Poll.BookInterval != 500*time.Millisecond {
		t.Fatalf("durations not parsed: %+v %+v", cfg.Indexer, cfg.Poll)
	}
	if sc := cfg.Indexer.Markets["0xeth"]; sc.SizeDecimals != 8 || sc.PriceDecimals != 6 {
		t.Fatalf("market scale not parsed: %+v", sc)
	}
	if cfg.Poll.Immediate() {
		t.Fatalf("runImmediately=false ignored")
	}
	if v := cfg.Market.BookView(); v.Window != -1 || v.Filter != market.FilterSell {
		t.Fatalf("unexpected book view: %+v", v)
	}
	if cfg.Kafka.Topic != "market-snapshots" {
		t.Fatalf("kafka topic default missing: %q", cfg.Kafka.Topic)
	}

	book := cfg.Indexer.ScaleBook()
	if sc := book.For("0xeth"); sc.SizeDecimals != 8 || sc.PriceDecimals != 6 {
		t.Fatalf("scale book override missing: %+v", sc)
	}
	if sc := book.For("0xbtc"); sc.SizeDecimals != 9 || sc.PriceDecimals != 9 {
		t.Fatalf("scale book default wrong: %+v", sc)
	}
	perp := cfg.GatewayPerp()
	if perp.Contracts.ClearingHouse != "0x00000000000000000000000000000000000000a3" || perp.Scales.Funding != 18 || perp.Fanout != 8 {
		t.Fatalf("unexpected perp gateway config: %+v", perp)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)
	t.Setenv("MM_INDEXER_URL", "https://env-indexer.test")
	t.Setenv("MM_ACTIVE_MARKET", "0xbtc")
	t.Setenv("MM_HTTP_ADDR", ":9999")
	t.Setenv("MM_REDIS_ADDR", "localhost:6379")
	t.Setenv("MM_KAFKA_BROKERS", "k1:9092, k2:9092,")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Indexer.URL != "https://env-indexer.test" || cfg.Market.Active != "0xbtc" || cfg.HTTP.Addr != ":9999" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis override not applied: %+v", cfg.Redis)
	}
	if strings.Join(cfg.Kafka.Brokers, ",") != "k1:9092,k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
}

func TestLoadWithDotEnv(t *testing.T) {
	path := writeTempConfig(t, `
env: dev
market:
  active: "0xeth"
`)
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envFile, []byte("MM_INDEXER_URL=https://dotenv.test\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// godotenv 不覆盖已存在的变量；测试结束后清理
	t.Setenv("MM_INDEXER_URL", "")
	os.Unsetenv("MM_INDEXER_URL")

	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Indexer.URL != "https://dotenv.test" {
		t.Fatalf(".env not applied: %q", cfg.Indexer.URL)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(AppConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}

	base := func() AppConfig {
		cfg := AppConfig{Env: "dev", Indexer: IndexerConfig{URL: "http://x"}}
		ApplyDefaults(&cfg)
		return cfg
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cases := map[string]func(*AppConfig){
		"bad filter":        func(c *AppConfig) { c.Market.Filter = "both" },
		"window":            func(c *AppConfig) { c.Market.Window = -2 },
		"order limit":       func(c *AppConfig) { c.Market.OrderLimit = -1 },
		"trade limit":       func(c *AppConfig) { c.Market.TradeLimit = -5 },
		"interval":          func(c *AppConfig) { c.Poll.TradesInterval = -time.Second },
		"perp without addr": func(c *AppConfig) { c.RPC.URL = "http://rpc" },
		"scale":             func(c *AppConfig) { c.Indexer.Scale.PriceDecimals = 40 },
		"no indexer":        func(c *AppConfig) { c.Indexer.URL = "" },
		"alert threshold":   func(c *AppConfig) { c.Alert.FailureThreshold = -1 },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
