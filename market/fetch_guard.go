package market

import "context"

// fetchGuard 记录当前选中的市场与在途请求。
// 切换市场时 epoch 自增并取消在途请求；结果只有在 epoch 未变且 seq 比已应用的更新时才会生效。
// 所有方法都要求调用方持有聚合器的锁。
type fetchGuard struct {
	market   MarketID
	epoch    uint64
	seq      uint64
	applied  uint64
	inflight map[uint64]context.CancelFunc
}

type ticket struct {
	market MarketID
	epoch  uint64
	seq    uint64
}

func newFetchGuard(m MarketID) fetchGuard {
	return fetchGuard{market: m, inflight: make(map[uint64]context.CancelFunc)}
}

func (g *fetchGuard) begin(parent context.Context) (ticket, context.Context) {
	g.seq++
	ctx, cancel := context.WithCancel(parent)
	g.inflight[g.seq] = cancel
	return ticket{market: g.market, epoch: g.epoch, seq: g.seq}, ctx
}

// done 释放请求占用的 context。
func (g *fetchGuard) done(t ticket) {
	if cancel, ok := g.inflight[t.seq]; ok {
		cancel()
		delete(g.inflight, t.seq)
	}
}

// fresh 结果属于当前市场且没有更新的结果已被应用。
func (g *fetchGuard) fresh(t ticket) bool {
	return t.epoch == g.epoch && t.seq > g.applied
}

func (g *fetchGuard) accept(t ticket) bool {
	if !g.fresh(t) {
		return false
	}
	g.applied = t.seq
	return true
}

func (g *fetchGuard) switchTo(m MarketID) {
	for seq, cancel := range g.inflight {
		cancel()
		delete(g.inflight, seq)
	}
	g.epoch++
	g.market = m
}

func (g *fetchGuard) pending() bool {
	return len(g.inflight) > 0
}
