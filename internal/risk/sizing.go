package risk

import (
	"errors"
	"math"
)

// ErrInvalidDistance — вход и стоп совпадают или перепутаны, размер
// посчитать нельзя. Не ретраится.
var ErrInvalidDistance = errors.New("Недопустимая дистанция входа и стопа.")

// SizeFromRisk переводит риск-бюджет в номинал позиции:
// notional = risk × entry / |entry − stop|.
func SizeFromRisk(entry, stop, riskBudget float64) (float64, error) {
	dist := math.Abs(entry - stop)
	if dist <= 0 || entry <= 0 || riskBudget <= 0 {
		return 0, ErrInvalidDistance
	}
	return riskBudget * entry / dist, nil
}

// LotsFromRisk округляет номинал вниз до целых лотов контракта.
// Меньше минимума — ноль лотов, сделки нет.
func LotsFromRisk(notional, price, lotMultiplier float64, minLots int) int {
	if price <= 0 || lotMultiplier <= 0 {
		return 0
	}
	lots := int(math.Floor(notional / (price * lotMultiplier)))
	if lots < minLots {
		return 0
	}
	return lots
}
