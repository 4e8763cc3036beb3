package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

func TestPlaceStopLossRetriesOnce(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)

	backend.placeStopFn = func(order exchange.StopOrder) (exchange.ExitResult, error) {
		backend.mu.Lock()
		n := backend.placeStopCalls
		backend.mu.Unlock()
		if n == 1 {
			return exchange.ExitResult{}, fmt.Errorf("временный сбой")
		}
		return exchange.ExitResult{OK: true, OrderID: "stop-2", Code: "200000"}, nil
	}

	res := e.placeStopLoss(context.Background(), "XBTUSDTM", models.OrderSideSell, 4, 98.04, backend.rules)
	assert.True(t, res.OK)

	backend.mu.Lock()
	calls := backend.placeStopCalls
	backend.mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestPlaceStopLossRoundsToTick(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)

	var got exchange.StopOrder
	backend.placeStopFn = func(order exchange.StopOrder) (exchange.ExitResult, error) {
		got = order
		return exchange.ExitResult{OK: true, Code: "200000"}, nil
	}

	e.placeStopLoss(context.Background(), "XBTUSDTM", models.OrderSideSell, 4, 98.0437, backend.rules)
	assert.InDelta(t, 98.0, got.StopPrice, 1e-9)
	assert.Equal(t, models.StopPriceMark, got.StopPriceType)
}

func TestPlaceStopLossReturnsStructuredFailure(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)

	backend.placeStopFn = func(order exchange.StopOrder) (exchange.ExitResult, error) {
		return exchange.ExitResult{
			OK: false, Endpoint: "/api/v1/orders", HTTPStatus: 400, Code: "300009", Msg: "позиция не найдена",
		}, fmt.Errorf("Ошибка kucoin.")
	}

	res := e.placeStopLoss(context.Background(), "XBTUSDTM", models.OrderSideSell, 4, 98, backend.rules)
	assert.False(t, res.OK)
	assert.Equal(t, "/api/v1/orders", res.Endpoint)
	assert.Equal(t, 400, res.HTTPStatus)
	assert.Equal(t, "300009", res.Code)
}

func TestAttachExitsSplitsTP1(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)

	var tpOrders []exchange.ReduceOnlyLimit
	backend.placeTPFn = func(order exchange.ReduceOnlyLimit) (exchange.ExitResult, error) {
		tpOrders = append(tpOrders, order)
		return exchange.ExitResult{OK: true, Code: "200000"}, nil
	}

	pos := models.PositionState{
		Symbol: "XBTUSDTM", Side: models.SignalSideLong,
		Entry: 100, Lots: 4, InitialLots: 4, Stop: 98, TP1: 102, TP2: 104,
	}
	err := e.attachExits(context.Background(), pos, backend.rules)
	assert.NoError(t, err)

	// TP1 на половину объёма, стороной sell
	assert.Len(t, tpOrders, 1)
	assert.Equal(t, 2, tpOrders[0].Lots)
	assert.Equal(t, models.OrderSideSell, tpOrders[0].Side)
}

func TestHasRestingReduceAt(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend)

	backend.open = []exchange.OpenOrder{
		{OrderID: "tp-x", Type: models.OrderTypeLimit, Price: 104.0, ReduceOnly: true},
		{OrderID: "plain", Type: models.OrderTypeLimit, Price: 105.0, ReduceOnly: false},
	}

	// совпадение в пределах полтика
	assert.True(t, e.hasRestingReduceAt(context.Background(), "XBTUSDTM", 104.04, 0.1))
	assert.False(t, e.hasRestingReduceAt(context.Background(), "XBTUSDTM", 104.2, 0.1))
	// не-reduce-only ордер не считается
	assert.False(t, e.hasRestingReduceAt(context.Background(), "XBTUSDTM", 105.0, 0.1))
}
