package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

// monitorRegistry — карта ключ→токен владения. Лишь один монитор на
// позицию: второй запуск по тому же ключу — no-op. Токен освобождается
// детерминированно через defer при завершении монитора, включая панику.
type monitorRegistry struct {
	mu       sync.Mutex
	held     map[string]*monitorToken
	released map[string]time.Time
}

type monitorToken struct {
	acquiredAt time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

func newMonitorRegistry() *monitorRegistry {
	return &monitorRegistry{
		held:     make(map[string]*monitorToken),
		released: make(map[string]time.Time),
	}
}

// tryAcquire возвращает токен или nil: ключ уже занят либо освобождён
// меньше relaunchTTL назад.
func (r *monitorRegistry) tryAcquire(key string, relaunchTTL time.Duration, cancel context.CancelFunc) *monitorToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.held[key]; ok {
		select {
		case <-existing.done:
			// прежний монитор завершился, ключ свободен
		default:
			return nil
		}
	}
	if at, ok := r.released[key]; ok {
		if relaunchTTL > 0 && time.Since(at) < relaunchTTL {
			return nil
		}
		delete(r.released, key)
	}

	token := &monitorToken{
		acquiredAt: time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	r.held[key] = token
	return token
}

func (r *monitorRegistry) release(key string, token *monitorToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held[key] == token {
		delete(r.held, key)
		r.released[key] = time.Now()
	}
	close(token.done)
}

// StopAll просит каждый монитор остановиться и ждёт освобождения токенов.
func (r *monitorRegistry) StopAll(timeout time.Duration) {
	r.mu.Lock()
	tokens := make([]*monitorToken, 0, len(r.held))
	for _, t := range r.held {
		t.cancel()
		tokens = append(tokens, t)
	}
	r.mu.Unlock()

	deadline := time.After(timeout)
	for _, t := range tokens {
		select {
		case <-t.done:
		case <-deadline:
			return
		}
	}
}

func monitorKey(pos models.PositionState) string {
	return fmt.Sprintf("%s#%d", pos.Symbol, pos.OpenedAt.UnixNano())
}

// launchBreakeven запускает монитор позиции, если по её ключу ещё никто
// не работает.
func (e *Engine) launchBreakeven(ctx context.Context, pos models.PositionState, rules exchange.InstrumentRules) {
	key := monitorKey(pos)

	monCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	token := e.monitors.tryAcquire(key, e.cfg.Breakeven.RelaunchTTL, cancel)
	if token == nil {
		cancel()
		e.logEntry(pos.Symbol).Info("Монитор по этому ключу уже работает или только что завершился, запуск пропущен.")
		return
	}

	go func() {
		defer e.monitors.release(key, token)
		defer cancel()
		e.runBreakeven(monCtx, pos.Symbol, rules)
	}()
}

// runBreakeven — state machine WATCHING → MOVED_TO_BE → DONE. Ошибка
// итерации логируется, цикл продолжает крутиться; выходит только при
// плоской позиции, завершении сценария или остановке извне.
func (e *Engine) runBreakeven(ctx context.Context, symbol string, rules exchange.InstrumentRules) {
	entry := e.logEntry(symbol)
	entry.Info("Монитор безубытка запущен.")

	ticker := time.NewTicker(e.cfg.Breakeven.PollInterval)
	defer ticker.Stop()

	var lastMark float64
	var lastLots int
	var bePending bool
	var beAttempts int

	for {
		select {
		case <-ctx.Done():
			entry.Info("Монитор безубытка остановлен извне.")
			return
		case <-ticker.C:
		}

		pos, ok := e.store.Get(symbol)
		if !ok {
			entry.Info("Позиции больше нет в сторе, монитор завершён.")
			return
		}

		snap, err := e.backend.GetPosition(ctx, symbol)
		if err != nil {
			entry.WithError(err).Warn("Не удалось прочитать позицию, итерация пропущена.")
			continue
		}
		if snap.MarkPrice > 0 {
			lastMark = snap.MarkPrice
		}

		if snap.Lots == 0 {
			e.finalizeFlat(pos, lastMark, lastLots)
			return
		}
		lastLots = snap.Lots

		if snap.Lots != pos.Lots {
			if rErr := e.store.ReduceLots(symbol, snap.Lots); rErr != nil {
				entry.WithError(rErr).Warn("Не удалось синхронизировать объём позиции.")
			}
			pos.Lots = snap.Lots
		}

		if pos.TP1Done {
			if !bePending || beAttempts >= beMoveMaxAttempts {
				// перенос сделан либо попытки исчерпаны; остаёмся ради
				// учёта закрытия
				continue
			}
			beAttempts++
			res := e.moveStopToBreakeven(ctx, pos, rules, snap.Lots)
			switch {
			case res.OK:
				bePending = false
				entry.WithField("attempt", beAttempts).Info("Стоп перенесён в безубыток.")
				e.notifier.Notify(fmt.Sprintf("🔒 %s: стоп перенесён в безубыток (%.4f).", symbol, pos.Stop))
			case beAttempts >= beMoveMaxAttempts:
				entry.WithField("code", res.Code).Error("Перенос стопа не удался, попытки исчерпаны.")
				e.notifier.Notify(fmt.Sprintf("⚠️ %s: стоп так и не перенесён в безубыток, позиция без защиты.", symbol))
			}
			continue
		}

		if pos.InitialLots <= 1 {
			// одинокий лот: триггер — марк дошла до TP1
			if !tp1Reached(pos.Side, snap.MarkPrice, pos.TP1) {
				continue
			}
			if e.transitionToBreakeven(ctx, pos, rules, snap.Lots) {
				return
			}
			bePending = true
			continue
		}

		// мульти-лот: триггер — объём упал примерно до половины исходного
		if snap.Lots > pos.InitialLots-pos.InitialLots/2 {
			continue
		}
		moved := e.transitionToBreakeven(ctx, pos, rules, snap.Lots)
		e.maybePlaceTP2(ctx, pos, rules, snap.Lots)
		if moved {
			return
		}
		bePending = true
	}
}

// beMoveMaxAttempts ограничивает повторные попытки переноса стопа после
// поднятого флага tp1_done.
const beMoveMaxAttempts = 3

// transitionToBreakeven отмечает перенос и двигает стоп; гейтом от
// повторного переноса служит флаг tp1_done в сторе, а не память
// монитора. Ложь означает, что стоп ещё не на безубытке и вызывающий
// может повторить перенос.
func (e *Engine) transitionToBreakeven(ctx context.Context, pos models.PositionState, rules exchange.InstrumentRules, lots int) bool {
	bePrice := breakevenPrice(pos.Side, pos.Entry, rules.TickSize, e.cfg.Exits.FeeBufferTicks)

	moved, err := e.store.MarkTP1Done(pos.Symbol, bePrice)
	if err != nil {
		e.logEntry(pos.Symbol).WithError(err).Error("Не удалось отметить перенос стопа в сторе.")
		return false
	}
	if !moved {
		return true
	}

	res := e.moveStopToBreakeven(ctx, pos, rules, lots)
	if !res.OK {
		e.logEntry(pos.Symbol).WithField("code", res.Code).Error("Перенос стопа в безубыток сорвался.")
		e.notifier.Notify(fmt.Sprintf("⚠️ %s: перенос стопа в безубыток сорвался: %s", pos.Symbol, res.Msg))
		return false
	}

	e.logEntry(pos.Symbol).WithField("be_price", bePrice).Info("Стоп перенесён в безубыток.")
	e.notifier.Notify(fmt.Sprintf("🔒 %s: стоп перенесён в безубыток (%.4f).", pos.Symbol, bePrice))
	return true
}

// maybePlaceTP2 ставит вторую цель, только если её ещё нет в книге.
func (e *Engine) maybePlaceTP2(ctx context.Context, pos models.PositionState, rules exchange.InstrumentRules, lots int) {
	if pos.TP2 <= 0 {
		return
	}
	price := roundToTick(pos.TP2, rules.TickSize)
	if e.hasRestingReduceAt(ctx, pos.Symbol, price, rules.TickSize) {
		e.logEntry(pos.Symbol).Debug("TP2 уже стоит, дубль не нужен.")
		return
	}

	exitSide := models.OppositeSide(orderSideOf(pos.Side))
	res := e.placeTakeProfit(ctx, pos.Symbol, exitSide, lots, pos.TP2, rules)
	if !res.OK {
		e.logEntry(pos.Symbol).WithField("code", res.Code).Warn("TP2 не выставлен.")
		e.notifier.Notify(fmt.Sprintf("⚠️ %s: TP2 не выставлен: %s", pos.Symbol, res.Msg))
		return
	}
	e.notifier.Notify(fmt.Sprintf("🎯 %s: TP2 выставлен на %.4f.", pos.Symbol, price))
}

// finalizeFlat закрывает жизненный цикл: запись о PnL по последней
// марк-цене, снятие резерва корзины, удаление из стора.
func (e *Engine) finalizeFlat(pos models.PositionState, lastMark float64, lastLots int) {
	entry := e.logEntry(pos.Symbol)

	var pnl float64
	if lastMark > 0 && lastLots > 0 {
		dir := 1.0
		if pos.Side == models.SignalSideShort {
			dir = -1
		}
		pnl = (lastMark - pos.Entry) * float64(lastLots) * e.lotValue(pos) * dir
	}

	e.guards.RecordClose(pos.Symbol, pnl, 0)
	e.exposure.Release(pos.Bucket, pos.Notional)
	if err := e.store.Close(pos.Symbol); err != nil {
		entry.WithError(err).Warn("Не удалось удалить закрытую позицию из стора.")
	}

	entry.WithField("pnl", pnl).Info("Позиция закрыта, монитор завершён.")
	e.notifier.Notify(fmt.Sprintf("🏁 %s: позиция закрыта, PnL ≈ %.2f USDT.", pos.Symbol, pnl))
}

func (e *Engine) lotValue(pos models.PositionState) float64 {
	if pos.Entry > 0 && pos.InitialLots > 0 {
		return pos.Notional / (pos.Entry * float64(pos.InitialLots))
	}
	return 1
}

func tp1Reached(side models.SignalSide, mark, tp1 float64) bool {
	if mark <= 0 || tp1 <= 0 {
		return false
	}
	if side == models.SignalSideShort {
		return mark <= tp1
	}
	return mark >= tp1
}
