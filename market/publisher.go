package market

import "sync"

// Publisher 一个轻量快照分发器。
// 每个订阅者的缓冲为 1，只保留最新一份快照，慢消费者不会阻塞聚合器。
type Publisher struct {
	mu        sync.Mutex
	nextID    int
	bookSubs  map[int]chan *OrderBookSnapshot
	tradeSubs map[int]chan *TradeFeed
}

func NewPublisher() *Publisher {
	return &Publisher{
		bookSubs:  make(map[int]chan *OrderBookSnapshot),
		tradeSubs: make(map[int]chan *TradeFeed),
	}
}

// SubscribeBook 返回订单簿快照通道与取消函数；取消后通道被关闭。
func (p *Publisher) SubscribeBook() (<-chan *OrderBookSnapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan *OrderBookSnapshot, 1)
	p.bookSubs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.bookSubs[id]; ok {
			delete(p.bookSubs, id)
			close(c)
		}
	}
}

// SubscribeTrades 同 SubscribeBook。
func (p *Publisher) SubscribeTrades() (<-chan *TradeFeed, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan *TradeFeed, 1)
	p.tradeSubs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.tradeSubs[id]; ok {
			delete(p.tradeSubs, id)
			close(c)
		}
	}
}

func (p *Publisher) PublishBook(s *OrderBookSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.bookSubs {
		sendLatest(ch, s)
	}
}

func (p *Publisher) PublishTrades(f *TradeFeed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.tradeSubs {
		sendLatest(ch, f)
	}
}

// Subscribers 当前订阅数（book, trades）。
func (p *Publisher) Subscribers() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bookSubs), len(p.tradeSubs)
}

// sendLatest 通道已满时丢弃旧值再写入。调用方持有 p.mu，保证单写者。
func sendLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
