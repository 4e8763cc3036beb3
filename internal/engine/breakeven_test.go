package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

func openTestPosition(t *testing.T, e *Engine, lots int) models.PositionState {
	t.Helper()
	pos := models.PositionState{
		Symbol: "XBTUSDTM", Side: models.SignalSideLong,
		Entry: 100, Lots: lots, InitialLots: lots,
		Stop: 98, TP1: 102, TP2: 104,
		Bucket: "other", Notional: 100,
		OpenedAt: time.Now(),
	}
	require.NoError(t, e.store.Open(pos))
	stored, _ := e.store.Get(pos.Symbol)
	return stored
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("не дождались условия: %s", msg)
}

// Перенос стопа происходит ровно один раз, сколько бы итераций подряд
// ни видели триггер.
func TestBreakevenMovesStopExactlyOnce(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	pos := openTestPosition(t, e, 1)

	var stopMoves int32
	backend.placeStopFn = func(order exchange.StopOrder) (exchange.ExitResult, error) {
		atomic.AddInt32(&stopMoves, 1)
		return exchange.ExitResult{OK: true, Code: "200000"}, nil
	}
	// марк уже за TP1 — триггер виден на каждой итерации
	backend.setPosition(exchange.PositionSnapshot{
		Symbol: pos.Symbol, Side: models.SignalSideLong, Lots: 1, EntryPrice: 100, MarkPrice: 102.5,
	})

	e.launchBreakeven(context.Background(), pos, backend.rules)

	waitFor(t, func() bool {
		stored, ok := e.store.Get(pos.Symbol)
		return ok && stored.TP1Done
	}, "перенос в безубыток")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stopMoves))

	stored, _ := e.store.Get(pos.Symbol)
	// вход 100 + 2 тика по 0.1
	assert.InDelta(t, 100.2, stored.Stop, 1e-9)
}

// Сценарий из одного лота: 99 → 101 → 102.5; действия начинаются только
// после пересечения 102.
func TestBreakevenSingleLotScenario(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	pos := openTestPosition(t, e, 1)

	var marks = []float64{99, 101, 102.5}
	var step int32
	var stopMoves int32
	backend.positionFn = func(symbol string) (exchange.PositionSnapshot, error) {
		i := atomic.AddInt32(&step, 1) - 1
		if int(i) >= len(marks) {
			i = int32(len(marks) - 1)
		}
		return exchange.PositionSnapshot{
			Symbol: symbol, Side: models.SignalSideLong, Lots: 1, EntryPrice: 100, MarkPrice: marks[i],
		}, nil
	}
	backend.placeStopFn = func(order exchange.StopOrder) (exchange.ExitResult, error) {
		atomic.AddInt32(&stopMoves, 1)
		assert.InDelta(t, 100.2, order.StopPrice, 1e-9)
		return exchange.ExitResult{OK: true, Code: "200000"}, nil
	}

	e.launchBreakeven(context.Background(), pos, backend.rules)

	waitFor(t, func() bool { return atomic.LoadInt32(&stopMoves) == 1 }, "перенос стопа")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stopMoves), "на 99 и 101 действий не было и не будет")
}

// Сорвавшийся перенос стопа повторяется следующими итерациями, после
// успеха новых попыток нет.
func TestBreakevenRetriesFailedStopMove(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	pos := openTestPosition(t, e, 1)

	var calls int32
	backend.placeStopFn = func(order exchange.StopOrder) (exchange.ExitResult, error) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			return exchange.ExitResult{OK: false, Code: "300003", Msg: "Balance insufficient"}, nil
		}
		return exchange.ExitResult{OK: true, Code: "200000"}, nil
	}
	backend.setPosition(exchange.PositionSnapshot{
		Symbol: pos.Symbol, Side: models.SignalSideLong, Lots: 1, EntryPrice: 100, MarkPrice: 102.5,
	})

	e.launchBreakeven(context.Background(), pos, backend.rules)

	waitFor(t, func() bool { return atomic.LoadInt32(&calls) >= 4 }, "повторный перенос стопа")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "после успеха переносы прекращаются")

	stored, _ := e.store.Get(pos.Symbol)
	assert.True(t, stored.TP1Done)

	e.Shutdown(time.Second)
}

// Два конкурентных запуска по одному ключу: токен достаётся одному.
func TestBreakevenSingleInstancePerKey(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	pos := openTestPosition(t, e, 2)

	// позиция стоит на месте, мониторы живут
	backend.setPosition(exchange.PositionSnapshot{
		Symbol: pos.Symbol, Side: models.SignalSideLong, Lots: 2, EntryPrice: 100, MarkPrice: 100.5,
	})

	e.launchBreakeven(context.Background(), pos, backend.rules)
	e.launchBreakeven(context.Background(), pos, backend.rules)

	e.monitors.mu.Lock()
	held := len(e.monitors.held)
	e.monitors.mu.Unlock()
	assert.Equal(t, 1, held, "второй запуск по тому же ключу — no-op")

	e.Shutdown(time.Second)
}

// Мульти-лот: падение объёма до половины двигает стоп и ставит TP2,
// безубыток строго раньше TP2.
func TestBreakevenMultiLotPlacesTP2(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	pos := openTestPosition(t, e, 4)

	var order int32
	var stopAt, tpAt int32
	backend.placeStopFn = func(o exchange.StopOrder) (exchange.ExitResult, error) {
		atomic.StoreInt32(&stopAt, atomic.AddInt32(&order, 1))
		return exchange.ExitResult{OK: true, Code: "200000"}, nil
	}
	backend.placeTPFn = func(o exchange.ReduceOnlyLimit) (exchange.ExitResult, error) {
		atomic.StoreInt32(&tpAt, atomic.AddInt32(&order, 1))
		assert.InDelta(t, 104, o.Price, 1e-9)
		assert.Equal(t, 2, o.Lots)
		return exchange.ExitResult{OK: true, Code: "200000"}, nil
	}
	// TP1 частично исполнился: осталось 2 из 4
	backend.setPosition(exchange.PositionSnapshot{
		Symbol: pos.Symbol, Side: models.SignalSideLong, Lots: 2, EntryPrice: 100, MarkPrice: 102.1,
	})

	e.launchBreakeven(context.Background(), pos, backend.rules)

	waitFor(t, func() bool { return atomic.LoadInt32(&tpAt) > 0 }, "постановка TP2")
	assert.Less(t, atomic.LoadInt32(&stopAt), atomic.LoadInt32(&tpAt),
		"безубыток всегда раньше TP2")
}

// Плоская позиция завершает монитор и вычищает стор.
func TestBreakevenFlatPositionFinalizes(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)
	pos := openTestPosition(t, e, 2)

	backend.setPosition(exchange.PositionSnapshot{Symbol: pos.Symbol, Lots: 0})

	e.launchBreakeven(context.Background(), pos, backend.rules)

	waitFor(t, func() bool {
		_, ok := e.store.Get(pos.Symbol)
		return !ok
	}, "удаление позиции из стора")

	e.monitors.mu.Lock()
	held := len(e.monitors.held)
	e.monitors.mu.Unlock()
	assert.Equal(t, 0, held, "токен освобождён после завершения")
}
