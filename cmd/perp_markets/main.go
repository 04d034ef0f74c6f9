package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"market-sync-go/config"
	"market-sync-go/gateway"
	"market-sync-go/perp"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	trader := flag.String("trader", "", "账户地址；为空时只输出市场列表")
	assets := flag.String("assets", "", "逗号分隔的资产地址，默认使用配置中的 perp.assets")
	timeout := flag.Duration("timeout", 30*time.Second, "整体超时")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if cfg.RPC.URL == "" {
		log.Fatalf("未配置 rpc.url（或 MM_RPC_URL）")
	}

	selected := cfg.Perp.Assets
	if *assets != "" {
		selected = nil
		for _, a := range strings.Split(*assets, ",") {
			if a = strings.TrimSpace(a); a != "" {
				selected = append(selected, a)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, closeFn, err := gateway.DialPerp(ctx, cfg.RPC.URL, cfg.GatewayPerp(), nil, zap.NewNop())
	if err != nil {
		log.Fatalf("连接 RPC 失败: %v", err)
	}
	defer closeFn()

	svc := perp.NewService(client, perp.Options{
		Assets:          selected,
		CollateralAsset: cfg.Perp.CollateralAsset,
		Fanout:          cfg.RPC.Fanout,
	})

	var out interface{}
	if *trader == "" {
		markets := svc.Markets(ctx)
		if len(markets) == 0 && len(selected) > 0 {
			log.Fatalf("%d 个市场均读取失败", len(selected))
		}
		out = perp.MarketsView{Markets: markets, UpdatedAt: time.Now()}
	} else {
		summary, err := svc.AccountSummary(ctx, *trader, nil)
		if err != nil {
			log.Fatalf("查询账户失败: %v", err)
		}
		out = summary
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("输出失败: %v", err)
	}
}
