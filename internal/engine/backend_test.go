package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pegbot/internal/config"
	"pegbot/internal/exchange"
	"pegbot/internal/guard"
	"pegbot/internal/logger"
	"pegbot/internal/models"
	"pegbot/internal/notify"
	"pegbot/internal/risk"
	"pegbot/internal/store"
)

// fakeBackend — управляемый бэкенд для тестов: каждое поведение
// подменяется функцией, вызовы считаются.
type fakeBackend struct {
	mu sync.Mutex

	rules    exchange.InstrumentRules
	tob      exchange.TopOfBook
	levels   []exchange.BookLevel
	mark     float64
	position exchange.PositionSnapshot
	open     []exchange.OpenOrder

	statuses map[string]exchange.OrderStatus
	markets  []exchange.MarketOrder

	placeLimitFn func(order exchange.LimitOrder) (exchange.PlaceResult, error)
	placeStopFn  func(order exchange.StopOrder) (exchange.ExitResult, error)
	placeTPFn    func(order exchange.ReduceOnlyLimit) (exchange.ExitResult, error)
	positionFn   func(symbol string) (exchange.PositionSnapshot, error)
	replaceFn    func(symbol, orderID string, order exchange.LimitOrder) (exchange.PlaceResult, error)

	placeLimitCalls int
	placeStopCalls  int
	placeTPCalls    int
	cancelCalls     int
	marketCalls     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		rules: exchange.InstrumentRules{
			Symbol:        "XBTUSDTM",
			TickSize:      0.1,
			LotMultiplier: 0.001,
			MinLots:       1,
			MaxLeverage:   100,
		},
		tob: exchange.TopOfBook{
			Symbol:    "XBTUSDTM",
			BestBid:   100.0,
			BestAsk:   100.2,
			BidSize:   500,
			AskSize:   500,
			Timestamp: time.Now(),
		},
		statuses: make(map[string]exchange.OrderStatus),
	}
}

func (f *fakeBackend) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	return f.rules, nil
}

func (f *fakeBackend) GetTopOfBook(ctx context.Context, symbol string) (exchange.TopOfBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tob := f.tob
	tob.Timestamp = time.Now()
	return tob, nil
}

func (f *fakeBackend) GetOrderbookLevels(ctx context.Context, symbol string, depth int) ([]exchange.BookLevel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.BookLevel(nil), f.levels...), nil
}

func (f *fakeBackend) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mark, nil
}

func (f *fakeBackend) GetPosition(ctx context.Context, symbol string) (exchange.PositionSnapshot, error) {
	f.mu.Lock()
	fn := f.positionFn
	pos := f.position
	f.mu.Unlock()
	if fn != nil {
		return fn(symbol)
	}
	return pos, nil
}

func (f *fakeBackend) PlaceLimit(ctx context.Context, order exchange.LimitOrder) (exchange.PlaceResult, error) {
	f.mu.Lock()
	f.placeLimitCalls++
	n := f.placeLimitCalls
	fn := f.placeLimitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(order)
	}
	id := fmt.Sprintf("ord-%d", n)
	f.setStatus(id, exchange.OrderStatus{OrderID: id, Status: models.OrderStatusOpen, Price: order.Price})
	return exchange.PlaceResult{OrderID: id, ClientOid: order.ClientOid}, nil
}

func (f *fakeBackend) PlaceMarket(ctx context.Context, order exchange.MarketOrder) (exchange.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marketCalls++
	f.markets = append(f.markets, order)
	return exchange.PlaceResult{OrderID: fmt.Sprintf("mkt-%d", f.marketCalls), ClientOid: order.ClientOid}, nil
}

func (f *fakeBackend) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	if st, ok := f.statuses[orderID]; ok && st.Status == models.OrderStatusOpen {
		st.Status = models.OrderStatusCanceled
		f.statuses[orderID] = st
	}
	return nil
}

func (f *fakeBackend) ReplaceOrder(ctx context.Context, symbol, orderID string, order exchange.LimitOrder) (exchange.PlaceResult, error) {
	f.mu.Lock()
	fn := f.replaceFn
	f.mu.Unlock()
	if fn != nil {
		return fn(symbol, orderID, order)
	}
	if err := f.CancelOrder(ctx, symbol, orderID); err != nil {
		return exchange.PlaceResult{}, err
	}
	return f.PlaceLimit(ctx, order)
}

func (f *fakeBackend) GetOrderStatus(ctx context.Context, orderID string) (exchange.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[orderID]
	if !ok {
		return exchange.OrderStatus{}, fmt.Errorf("Неизвестный ордер %s.", orderID)
	}
	return st, nil
}

func (f *fakeBackend) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OpenOrder(nil), f.open...), nil
}

func (f *fakeBackend) PlaceStop(ctx context.Context, order exchange.StopOrder) (exchange.ExitResult, error) {
	f.mu.Lock()
	f.placeStopCalls++
	fn := f.placeStopFn
	f.mu.Unlock()
	if fn != nil {
		return fn(order)
	}
	return exchange.ExitResult{OK: true, OrderID: "stop-1", Endpoint: "/api/v1/st-orders", Code: "200000"}, nil
}

func (f *fakeBackend) PlaceReduceOnlyLimit(ctx context.Context, order exchange.ReduceOnlyLimit) (exchange.ExitResult, error) {
	f.mu.Lock()
	f.placeTPCalls++
	fn := f.placeTPFn
	f.mu.Unlock()
	if fn != nil {
		return fn(order)
	}
	return exchange.ExitResult{OK: true, OrderID: "tp-1", Endpoint: "/api/v1/orders", Code: "200000"}, nil
}

func (f *fakeBackend) setStatus(id string, st exchange.OrderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = st
}

func (f *fakeBackend) setPosition(pos exchange.PositionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = pos
}

var _ exchange.OrderBackend = (*fakeBackend)(nil)

func testConfig(dir string) *config.Config {
	return &config.Config{
		Risk: config.RiskConfig{
			RiskUSDT:         10,
			Leverage:         5,
			DayLossLimitUSDT: 100,
			MaxConsecLosses:  3,
			CooldownMin:      30,
			DefaultBucketCap: 100,
			StatePath:        filepath.Join(dir, "risk.json"),
		},
		Exec: config.ExecConfig{
			Split:           []float64{0.6, 0.4},
			QueueThreshold:  2000,
			RequoteCooldown: 20 * time.Millisecond,
			PostOnly:        true,
			FillTimeout:     300 * time.Millisecond,
			PollInterval:    10 * time.Millisecond,
			BookStale:       3 * time.Second,
		},
		Exits: config.ExitsConfig{
			FeeBufferTicks: 2,
			StopPriceType:  "MP",
		},
		Breakeven: config.BreakevenConfig{
			PollInterval: 10 * time.Millisecond,
			RelaunchTTL:  30 * time.Second,
		},
		Dedup: config.DedupConfig{
			Path:            filepath.Join(dir, "dedup.json"),
			TTL:             time.Hour,
			EntryBucketTick: 10,
		},
		Store: config.StoreConfig{
			PositionsPath: filepath.Join(dir, "positions.json"),
		},
		Adverse: config.AdverseConfig{
			BookImbalanceThreshold: 0.6,
			FundingThreshold:       0.01,
			DeltaThreshold:         0.15,
			MaxQuoteStale:          8 * time.Second,
		},
	}
}

func newTestEngine(t *testing.T, backend *fakeBackend) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(dir)
	log := logger.NewNop()

	return New(
		cfg,
		backend,
		nil,
		guard.NewDedup(cfg.Dedup.Path, cfg.Dedup.EntryBucketTick, 0.1, log),
		risk.NewExposure(cfg.Risk, log),
		risk.NewGuards(cfg.Risk, log),
		store.NewPositions(cfg.Store.PositionsPath, log),
		notify.Nop{},
		log,
	)
}

func testSignal() models.Signal {
	return models.Signal{
		Symbol:    "XBTUSDTM",
		Side:      models.SignalSideLong,
		Entry:     100,
		Stop:      98,
		TP1:       102,
		TP2:       104,
		Notional:  100,
		Timeframe: "5m",
		Tags:      []string{"sweep"},
		CreatedAt: time.Now(),
	}
}
