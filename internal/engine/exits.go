package engine

import (
	"context"
	"fmt"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

// attachExits ставит защиту свежей позиции: стоп на весь объём, TP1 на
// половину, TP2 сразу — если так настроено. Каждый вызов несёт свежий
// clientOid, идемпотентность обеспечена конструкцией вызова.
func (e *Engine) attachExits(ctx context.Context, pos models.PositionState, rules exchange.InstrumentRules) error {
	exitSide := models.OppositeSide(orderSideOf(pos.Side))

	res := e.placeStopLoss(ctx, pos.Symbol, exitSide, pos.Lots, pos.Stop, rules)
	if !res.OK {
		return fmt.Errorf("Стоп не выставлен: endpoint=%s http=%d code=%s msg=%s",
			res.Endpoint, res.HTTPStatus, res.Code, res.Msg)
	}
	e.logEntry(pos.Symbol).WithField("endpoint", res.Endpoint).Info("Стоп выставлен.")

	tp1Lots := pos.Lots / 2
	if tp1Lots < 1 {
		tp1Lots = pos.Lots
	}
	tpRes := e.placeTakeProfit(ctx, pos.Symbol, exitSide, tp1Lots, pos.TP1, rules)
	if !tpRes.OK {
		return fmt.Errorf("TP1 не выставлен: endpoint=%s http=%d code=%s msg=%s",
			tpRes.Endpoint, tpRes.HTTPStatus, tpRes.Code, tpRes.Msg)
	}

	if e.cfg.Exits.PlaceTP2Now && pos.TP2 > 0 && pos.Lots-tp1Lots > 0 {
		tp2 := e.placeTakeProfit(ctx, pos.Symbol, exitSide, pos.Lots-tp1Lots, pos.TP2, rules)
		if !tp2.OK {
			e.logEntry(pos.Symbol).WithField("code", tp2.Code).Warn("TP2 не выставлен, остаётся монитору.")
		}
	}
	return nil
}

// placeStopLoss округляет цену к тику и ставит reduce-only стоп с одним
// повтором. Ошибка никогда не роняет вызывающий цикл: итог всегда
// структурированный ExitResult.
func (e *Engine) placeStopLoss(ctx context.Context, symbol string, side models.OrderSide, lots int, stopPrice float64, rules exchange.InstrumentRules) exchange.ExitResult {
	order := exchange.StopOrder{
		Symbol:        symbol,
		Side:          side,
		Lots:          lots,
		StopPrice:     roundToTick(stopPrice, rules.TickSize),
		StopPriceType: stopPriceType(e.cfg.Exits.StopPriceType),
		ClientOid:     newClientOid("sl"),
	}

	res, err := e.backend.PlaceStop(ctx, order)
	if err == nil && res.OK {
		return res
	}
	e.logEntry(symbol).WithError(err).Warn("Стоп отклонён, одна повторная попытка.")

	order.ClientOid = newClientOid("sl")
	res, err = e.backend.PlaceStop(ctx, order)
	if err != nil && !res.OK {
		res.Msg = err.Error()
	}
	return res
}

// placeTakeProfit зеркалит стоп лимитным reduce-only на противоположной
// стороне, та же цепочка повторов.
func (e *Engine) placeTakeProfit(ctx context.Context, symbol string, side models.OrderSide, lots int, price float64, rules exchange.InstrumentRules) exchange.ExitResult {
	order := exchange.ReduceOnlyLimit{
		Symbol:    symbol,
		Side:      side,
		Lots:      lots,
		Price:     roundToTick(price, rules.TickSize),
		ClientOid: newClientOid("tp"),
	}

	res, err := e.backend.PlaceReduceOnlyLimit(ctx, order)
	if err == nil && res.OK {
		return res
	}
	e.logEntry(symbol).WithError(err).Warn("TP отклонён, одна повторная попытка.")

	order.ClientOid = newClientOid("tp")
	res, err = e.backend.PlaceReduceOnlyLimit(ctx, order)
	if err != nil && !res.OK {
		res.Msg = err.Error()
	}
	return res
}

// moveStopToBreakeven снимает старые стопы и ставит новый по цене
// безубытка. Возвращает итог постановки нового стопа.
func (e *Engine) moveStopToBreakeven(ctx context.Context, pos models.PositionState, rules exchange.InstrumentRules, lots int) exchange.ExitResult {
	exitSide := models.OppositeSide(orderSideOf(pos.Side))
	bePrice := breakevenPrice(pos.Side, pos.Entry, rules.TickSize, e.cfg.Exits.FeeBufferTicks)

	open, err := e.backend.ListOpenOrders(ctx, pos.Symbol)
	if err != nil {
		e.logEntry(pos.Symbol).WithError(err).Warn("Не удалось прочитать открытые ордера перед переносом стопа.")
	} else {
		for _, ord := range open {
			if ord.ReduceOnly && ord.StopPrice > 0 {
				orderID := ord.OrderID
				cErr := e.withRetryVoid(ctx, pos.Symbol, func() error {
					return e.backend.CancelOrder(ctx, pos.Symbol, orderID)
				})
				if cErr != nil {
					e.logEntry(pos.Symbol).WithError(cErr).WithField("order_id", orderID).
						Warn("Не удалось снять старый стоп.")
				}
			}
		}
	}

	return e.placeStopLoss(ctx, pos.Symbol, exitSide, lots, bePrice, rules)
}

// hasRestingReduceAt проверяет, стоит ли уже reduce-only лимит по цене
// с точностью до полтика: монитор не дублирует TP2.
func (e *Engine) hasRestingReduceAt(ctx context.Context, symbol string, price, tick float64) bool {
	open, err := e.backend.ListOpenOrders(ctx, symbol)
	if err != nil {
		e.logEntry(symbol).WithError(err).Warn("Не удалось проверить открытые ордера.")
		return false
	}
	tolerance := tick / 2
	if tolerance <= 0 {
		tolerance = 1e-9
	}
	for _, ord := range open {
		if !ord.ReduceOnly || ord.Type != models.OrderTypeLimit {
			continue
		}
		diff := ord.Price - price
		if diff < 0 {
			diff = -diff
		}
		if diff <= tolerance {
			return true
		}
	}
	return false
}

func orderSideOf(side models.SignalSide) models.OrderSide {
	if side == models.SignalSideShort {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}
