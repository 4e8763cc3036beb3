package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

func TestMicroprice(t *testing.T) {
	tob := exchange.TopOfBook{BestBid: 100, BestAsk: 101, BidSize: 300, AskSize: 100}
	// (101·300 + 100·100) / 400 = 100.75 — перекос к аску при тяжёлом биде
	assert.InDelta(t, 100.75, microprice(tob), 1e-9)

	// без объёмов — простой mid
	tob.BidSize, tob.AskSize = 0, 0
	assert.InDelta(t, 100.5, microprice(tob), 1e-9)
}

func TestPassivePrice(t *testing.T) {
	tob := exchange.TopOfBook{BestBid: 100.0, BestAsk: 100.2}

	assert.InDelta(t, 99.9, passivePrice(models.SignalSideLong, tob, 0.1), 1e-9)
	assert.InDelta(t, 100.3, passivePrice(models.SignalSideShort, tob, 0.1), 1e-9)
}

func TestSplitNotional(t *testing.T) {
	tranches := splitNotional(100, []float64{0.6, 0.4})
	require.Len(t, tranches, 2)
	assert.InDelta(t, 60, tranches[0], 1e-9)
	assert.InDelta(t, 40, tranches[1], 1e-9)

	// ненормированные доли нормализуются
	tranches = splitNotional(100, []float64{3, 1})
	assert.InDelta(t, 75, tranches[0], 1e-9)
	assert.InDelta(t, 25, tranches[1], 1e-9)

	assert.Equal(t, []float64{100}, splitNotional(100, nil))
}

func TestQueueAhead(t *testing.T) {
	levels := []exchange.BookLevel{
		{Price: 100.0, Size: 500, Side: models.OrderSideBuy},
		{Price: 99.9, Size: 300, Side: models.OrderSideBuy},
		{Price: 99.8, Size: 200, Side: models.OrderSideBuy},
		{Price: 100.2, Size: 400, Side: models.OrderSideSell},
	}

	// наш бид на 99.9: впереди уровень 100.0 плюс весь наш уровень
	assert.InDelta(t, 800, queueAhead(levels, models.OrderSideBuy, 99.9), 1e-9)
	// на лучшем биде впереди только сам уровень
	assert.InDelta(t, 500, queueAhead(levels, models.OrderSideBuy, 100.0), 1e-9)
	// аски в подсчёт бида не входят
	assert.InDelta(t, 400, queueAhead(levels, models.OrderSideSell, 100.2), 1e-9)
}

func TestRunExcludesRejectedTranche(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)

	// второй транш отклоняется биржей
	backend.placeLimitFn = func(order exchange.LimitOrder) (exchange.PlaceResult, error) {
		backend.mu.Lock()
		n := backend.placeLimitCalls
		backend.mu.Unlock()
		if n == 2 {
			return exchange.PlaceResult{}, fmt.Errorf("postOnly would take liquidity")
		}
		id := fmt.Sprintf("ord-%d", n)
		backend.setStatus(id, exchange.OrderStatus{OrderID: id, Status: models.OrderStatusOpen, Price: order.Price})
		return exchange.PlaceResult{OrderID: id, ClientOid: order.ClientOid}, nil
	}

	sig := testSignal()
	session := newExecSession(e, sig, backend.rules, 100)
	out, err := session.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, out.Submitted)
	assert.Equal(t, 0, out.FilledLots, "неисполненный набор не даёт филла")

	backend.mu.Lock()
	cancels := backend.cancelCalls
	backend.mu.Unlock()
	assert.Equal(t, 1, cancels, "снимается только реально размещённый транш")
}

func TestRunAggregatesFills(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)

	// каждый транш исполняется сразу: 600 и 400 лотов по средней 100
	backend.placeLimitFn = func(order exchange.LimitOrder) (exchange.PlaceResult, error) {
		backend.mu.Lock()
		n := backend.placeLimitCalls
		backend.mu.Unlock()
		id := fmt.Sprintf("ord-%d", n)
		lots, value := 600.0, 60.0
		if n == 2 {
			lots, value = 400, 40
		}
		backend.setStatus(id, exchange.OrderStatus{
			OrderID:     id,
			Status:      models.OrderStatusFilled,
			Price:       order.Price,
			FilledSize:  lots,
			FilledValue: value,
		})
		return exchange.PlaceResult{OrderID: id, ClientOid: order.ClientOid}, nil
	}

	session := newExecSession(e, testSignal(), backend.rules, 100)
	out, err := session.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1000, out.FilledLots)
	// 100 USDT на 1000 лотов × 0.001 — средняя цена 100
	assert.InDelta(t, 100, out.AvgPrice, 1e-9)
}

// Сорвавшаяся перестановка не бросает живой ордер без присмотра: транш
// остаётся в учёте и снимается при завершении сессии.
func TestRequoteFailureKeepsTrancheTracked(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)

	// очередь впереди выше порога — перестановка на каждом тике
	backend.levels = []exchange.BookLevel{{Price: 100.0, Size: 5000, Side: models.OrderSideBuy}}
	backend.replaceFn = func(symbol, orderID string, order exchange.LimitOrder) (exchange.PlaceResult, error) {
		return exchange.PlaceResult{}, fmt.Errorf("request timeout")
	}

	// книга уезжает вверх, пассивная цена меняется
	go func() {
		time.Sleep(50 * time.Millisecond)
		backend.mu.Lock()
		backend.tob.BestBid, backend.tob.BestAsk = 100.5, 100.7
		backend.mu.Unlock()
	}()

	session := newExecSession(e, testSignal(), backend.rules, 100)
	_, err := session.Run(context.Background())
	require.NoError(t, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 2, backend.cancelCalls, "оба транша сняты несмотря на сорванные перестановки")
	for _, id := range []string{"ord-1", "ord-2"} {
		assert.Equal(t, models.OrderStatusCanceled, backend.statuses[id].Status, id)
	}
}

// Тейкер-добор замещает снятые транши, а не добавляется к ним:
// суммарный объём на бирже не превышает запрошенный.
func TestEscalateTakerReplacesRestingSize(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	e.cfg.Exec.MakerTakerSwitch = true
	e.cfg.Exec.TakerFraction = 0.5

	session := newExecSession(e, testSignal(), backend.rules, 100)
	_, err := session.Run(context.Background())
	require.NoError(t, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Equal(t, 1, backend.marketCalls, "добор стреляет один раз")

	var taken float64
	for _, m := range backend.markets {
		taken += m.ValueQty
	}
	assert.GreaterOrEqual(t, taken, 50.0-1e-9, "доля остатка конвертирована")
	assert.LessOrEqual(t, taken, 100.0+1e-9, "маркет не выходит за запрошенный номинал")
	assert.Equal(t, 2, backend.cancelCalls, "снятые под добор и остаточные транши не пересекаются")
}

func TestRunTimesOutAndCancels(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)

	started := time.Now()
	session := newExecSession(e, testSignal(), backend.rules, 100)
	out, err := session.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, out.Submitted)
	assert.Equal(t, 0, out.FilledLots)
	assert.Less(t, time.Since(started), 2*time.Second)

	backend.mu.Lock()
	cancels := backend.cancelCalls
	backend.mu.Unlock()
	assert.Equal(t, 2, cancels, "оба висящих транша сняты по таймауту")
}
