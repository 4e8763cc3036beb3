package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

func (e *Engine) withRetryRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	var lastErr error
	backoff := 1 * time.Second
	for i := 0; i < 5; i++ {
		rules, err := e.backend.GetInstrumentRules(ctx, symbol)
		if err == nil {
			if rules.TickSize <= 0 {
				return exchange.InstrumentRules{}, fmt.Errorf("Нулевой шаг цены у %s.", symbol)
			}
			return rules, nil
		}
		lastErr = err
		wait := backoff
		if isRateLimitError(err) {
			wait = minDuration(backoff*4, 30*time.Second)
		}
		e.logEntry(symbol).WithError(lastErr).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return exchange.InstrumentRules{}, ctx.Err()
		case <-time.After(wait):
		}
		backoff = minDuration(backoff*2, 30*time.Second)
	}
	return exchange.InstrumentRules{}, lastErr
}

func (e *Engine) withRetryVoid(ctx context.Context, symbol string, fn func() error) error {
	var lastErr error
	backoff := 1 * time.Second
	for i := 0; i < 5; i++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		wait := backoff
		if isRateLimitError(lastErr) {
			wait = minDuration(backoff*4, 30*time.Second)
		}
		e.logEntry(symbol).WithError(lastErr).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff = minDuration(backoff*2, 30*time.Second)
	}
	return lastErr
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests") || strings.Contains(msg, "200003")
}

func newClientOid(prefix string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(raw) > 20 {
		raw = raw[:20]
	}
	return prefix + "-" + raw
}

// roundToTick квантует цену вниз к сетке шага.
func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Floor(price/tick+1e-9) * tick
}

// topOfBook берёт котировку из WS-кэша; протухшая или отсутствующая
// заменяется REST-срезом.
func (e *Engine) topOfBook(ctx context.Context, symbol string) (exchange.TopOfBook, error) {
	if e.feed != nil {
		if tob, ok := e.feed.Latest(symbol); ok {
			if time.Since(tob.Timestamp) <= e.cfg.Exec.BookStale {
				return tob, nil
			}
			e.logEntry(symbol).Debug("Котировка WS протухла, запрос по REST.")
		}
	}
	return e.backend.GetTopOfBook(ctx, symbol)
}

// breakevenPrice — вход плюс буфер комиссий в тиках, направленно.
func breakevenPrice(side models.SignalSide, entry, tick float64, bufferTicks int) float64 {
	buffer := float64(bufferTicks) * tick
	if side == models.SignalSideShort {
		return entry - buffer
	}
	return entry + buffer
}

func stopPriceType(cfgValue string) models.StopPriceType {
	if strings.EqualFold(cfgValue, "TP") {
		return models.StopPriceLast
	}
	return models.StopPriceMark
}
