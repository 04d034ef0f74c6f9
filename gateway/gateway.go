package gateway

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Gateway 统一的链上/索引器数据入口：现货走索引器，永续走合约读调用。
type Gateway struct {
	*IndexerClient
	*PerpClient

	closeFn func()
}

// New 组合两个客户端；perp 为空时只提供现货查询。
func New(indexer *IndexerClient, perp *PerpClient) *Gateway {
	return &Gateway{IndexerClient: indexer, PerpClient: perp}
}

// DialPerp 连接 RPC 节点并构建 PerpClient。
func DialPerp(ctx context.Context, rpcURL string, cfg PerpConfig, obs FetchObserver, logger *zap.Logger) (*PerpClient, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	perp, err := NewPerpClient(client, cfg, obs, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return perp, client.Close, nil
}

// SetCloser 注册关闭底层连接的函数。
func (g *Gateway) SetCloser(fn func()) { g.closeFn = fn }

// Close 关闭 RPC 连接。
func (g *Gateway) Close() {
	if g.closeFn != nil {
		g.closeFn()
	}
}

// HasPerp 是否配置了永续合约读取。
func (g *Gateway) HasPerp() bool { return g.PerpClient != nil }
