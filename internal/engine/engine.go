package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pegbot/internal/config"
	"pegbot/internal/exchange"
	"pegbot/internal/guard"
	"pegbot/internal/logger"
	"pegbot/internal/models"
	"pegbot/internal/notify"
	"pegbot/internal/risk"
	"pegbot/internal/store"
)

// Engine превращает внешний сигнал в живое состояние на бирже и ведёт его
// до закрытия: дедуп → риск → транши → филлы → SL/TP → безубыток.
type Engine struct {
	cfg      *config.Config
	backend  exchange.OrderBackend
	feed     exchange.BookFeed
	dedup    *guard.Dedup
	exposure *risk.Exposure
	guards   *risk.Guards
	store    *store.Positions
	notifier notify.Notifier
	log      *logger.Logger

	monitors *monitorRegistry

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func New(
	cfg *config.Config,
	backend exchange.OrderBackend,
	feed exchange.BookFeed,
	dedup *guard.Dedup,
	exposure *risk.Exposure,
	guards *risk.Guards,
	positions *store.Positions,
	notifier notify.Notifier,
	log *logger.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		backend:  backend,
		feed:     feed,
		dedup:    dedup,
		exposure: exposure,
		guards:   guards,
		store:    positions,
		notifier: notifier,
		log:      log,
		monitors: newMonitorRegistry(),
		inflight: make(map[string]struct{}),
	}
}

// acquireSymbol закрывает окно между проверкой открытой позиции и записью
// в стор: по символу одновременно идёт не больше одной обработки.
func (e *Engine) acquireSymbol(symbol string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[symbol]; busy {
		return false
	}
	e.inflight[symbol] = struct{}{}
	return true
}

func (e *Engine) releaseSymbol(symbol string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, symbol)
}

func (e *Engine) logEntry(symbol string) *logrus.Entry {
	entry := e.log.WithComponent("engine")
	if symbol != "" {
		entry = entry.WithField("symbol", symbol)
	}
	return entry
}

// HandleSignal проводит сигнал через весь конвейер. Любой отказ гарда
// прерывает обработку без побочных эффектов, кроме отката резервов.
func (e *Engine) HandleSignal(ctx context.Context, sig models.Signal) error {
	entry := e.logEntry(sig.Symbol)

	if !e.acquireSymbol(sig.Symbol) {
		entry.Info("По символу уже идёт обработка сигнала, этот пропущен.")
		return nil
	}
	defer e.releaseSymbol(sig.Symbol)

	if _, exists := e.store.Get(sig.Symbol); exists {
		entry.Info("По символу уже есть открытая позиция, сигнал пропущен.")
		return nil
	}

	rules, err := e.withRetryRules(ctx, sig.Symbol)
	if err != nil {
		return err
	}

	fp := e.dedup.Fingerprint(sig, rules.TickSize)
	dup, err := e.dedup.CheckAndMark(fp, e.cfg.Dedup.TTL)
	if err != nil {
		return fmt.Errorf("Проверка дубликата не удалась: %w", err)
	}
	if dup {
		entry.WithField("fingerprint", fp).Info("Дубликат сигнала в окне TTL, отклонено.")
		return nil
	}

	// срыв любого шага ниже до выхода ордера на биржу откатывает отметку
	reachedExchange := false
	defer func() {
		if !reachedExchange {
			if uErr := e.dedup.Unmark(fp); uErr != nil {
				entry.WithError(uErr).Warn("Не удалось откатить отметку дедупа.")
			}
		}
	}()

	notional, err := risk.SizeFromRisk(sig.Entry, sig.Stop, e.cfg.Risk.RiskUSDT)
	if err != nil {
		return err
	}
	if sig.Notional > 0 && sig.Notional < notional {
		notional = sig.Notional
	}

	if risk.LotsFromRisk(notional, sig.Entry, rules.LotMultiplier, rules.MinLots) == 0 {
		entry.WithField("notional", notional).Warn("Номинал меньше минимального лота, сделки нет.")
		return nil
	}

	if ok, reason := e.guards.DayOk(); !ok {
		entry.Warn(reason)
		return nil
	}
	if ok, reason := e.guards.CooldownOk(sig.Symbol); !ok {
		entry.Warn(reason)
		return nil
	}

	bucket := e.exposure.Bucket(sig.Symbol)
	ok, reason := e.exposure.Reserve(bucket, notional)
	if !ok {
		entry.Warn(reason)
		return nil
	}
	released := false
	releaseReserve := func() {
		if !released {
			released = true
			e.exposure.Release(bucket, notional)
		}
	}

	session := newExecSession(e, sig, rules, notional)
	outcome, err := session.Run(ctx)
	if err != nil {
		releaseReserve()
		return err
	}
	reachedExchange = outcome.Submitted

	if outcome.FilledLots == 0 {
		entry.Info("Транши не исполнились, сигнал завершён без позиции.")
		releaseReserve()
		return nil
	}

	pos := models.PositionState{
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Entry:       outcome.AvgPrice,
		Lots:        outcome.FilledLots,
		InitialLots: outcome.FilledLots,
		Stop:        sig.Stop,
		TP1:         sig.TP1,
		TP2:         sig.TP2,
		Bucket:      bucket,
		Notional:    notional,
	}
	if err := e.store.Open(pos); err != nil {
		entry.WithError(err).Error("Не удалось записать позицию в стор.")
		return err
	}
	pos, _ = e.store.Get(sig.Symbol)

	if err := e.attachExits(ctx, pos, rules); err != nil {
		entry.WithError(err).Error("Не удалось выставить защитные ордера.")
		e.notifier.Notify(fmt.Sprintf("⚠️ %s: позиция открыта, но SL/TP не выставлены: %v", sig.Symbol, err))
	}

	e.launchBreakeven(ctx, pos, rules)

	e.notifier.Notify(fmt.Sprintf("✅ %s %s: вход %.4f, %d лотов, стоп %.4f.",
		sig.Symbol, sig.Side, outcome.AvgPrice, outcome.FilledLots, sig.Stop))
	return nil
}

// Restore поднимает состояние после рестарта: стор читается с диска,
// каждая запись сверяется с живой позицией на бирже, выжившие получают
// свой монитор заново.
func (e *Engine) Restore(ctx context.Context) error {
	if err := e.store.Load(); err != nil {
		return err
	}

	// транши, зависшие в полёте на момент рестарта, снимаются: их сессии
	// исполнения больше нет, филлы по ним некому вести
	for symbol, orders := range e.store.PendingAll() {
		entry := e.logEntry(symbol)
		for _, ord := range orders {
			status, sErr := e.backend.GetOrderStatus(ctx, ord.ID)
			if sErr == nil && (status.Status == models.OrderStatusFilled || status.Status == models.OrderStatusCanceled) {
				continue
			}
			if cErr := e.backend.CancelOrder(ctx, symbol, ord.ID); cErr != nil {
				entry.WithError(cErr).WithField("order_id", ord.ID).Warn("Не удалось снять осиротевший транш.")
				continue
			}
			entry.WithField("order_id", ord.ID).Info("Осиротевший транш снят.")
		}
		if err := e.store.SetPending(symbol, nil); err != nil {
			entry.WithError(err).Warn("Не удалось очистить pending-ордера.")
		}
	}

	for _, pos := range e.store.All() {
		entry := e.logEntry(pos.Symbol)

		snap, err := e.backend.GetPosition(ctx, pos.Symbol)
		if err != nil {
			entry.WithError(err).Warn("Не удалось сверить позицию с биржей, монитор запущен по стору.")
		} else if snap.Lots == 0 {
			entry.Info("Биржа показывает плоскую позицию, запись удалена из стора.")
			if cErr := e.store.Close(pos.Symbol); cErr != nil {
				entry.WithError(cErr).Warn("Не удалось удалить устаревшую запись.")
			}
			e.exposure.Release(pos.Bucket, pos.Notional)
			continue
		} else if snap.Lots != pos.Lots {
			entry.WithFields(logrus.Fields{"store_lots": pos.Lots, "live_lots": snap.Lots}).
				Warn("Объём в сторе разошёлся с биржей, берём биржевой.")
			if uErr := e.store.UpdateEntryOnFill(pos.Symbol, snap.EntryPrice, snap.Lots); uErr != nil {
				entry.WithError(uErr).Warn("Не удалось обновить объём позиции.")
			}
			pos, _ = e.store.Get(pos.Symbol)
		}

		// резерв корзины живёт в памяти и восстанавливается по открытым позициям
		e.exposure.Reserve(pos.Bucket, pos.Notional)

		rules, err := e.withRetryRules(ctx, pos.Symbol)
		if err != nil {
			entry.WithError(err).Error("Не удалось получить ограничения контракта при восстановлении.")
			continue
		}
		e.launchBreakeven(ctx, pos, rules)
	}
	return nil
}

// Shutdown просит все мониторы остановиться и дожидается освобождения
// их токенов.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.monitors.StopAll(timeout)
}
