package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

// execOutcome — итог сессии исполнения. Submitted истинно, как только
// хотя бы один запрос дошёл до биржи, даже отклонённый.
type execOutcome struct {
	Submitted  bool
	FilledLots int
	AvgPrice   float64
}

// execSession ведёт транши одного сигнала: постановка, слежение за
// очередью, перестановка, добор тейкером. Живёт от сигнала до филла
// или таймаута.
type execSession struct {
	e        *Engine
	sig      models.Signal
	rules    exchange.InstrumentRules
	notional float64

	mu          sync.Mutex
	resting     map[string]*models.PendingOrder
	seenLots    map[string]float64
	filledLots  int
	filledValue float64
	submitted   bool
	lastRequote time.Time
	prevBook    exchange.TopOfBook
	takerUsed   bool
}

func newExecSession(e *Engine, sig models.Signal, rules exchange.InstrumentRules, notional float64) *execSession {
	return &execSession{
		e:        e,
		sig:      sig,
		rules:    rules,
		notional: notional,
		resting:  make(map[string]*models.PendingOrder),
		seenLots: make(map[string]float64),
	}
}

// microprice — среднее из bid/ask, взвешенное противоположными объёмами.
// Без объёмов вырождается в простой mid.
func microprice(tob exchange.TopOfBook) float64 {
	if tob.BidSize+tob.AskSize <= 0 {
		return tob.Mid()
	}
	return (tob.BestAsk*tob.BidSize + tob.BestBid*tob.AskSize) / (tob.BidSize + tob.AskSize)
}

// passivePrice — тик позади лучшего бида для лонга, тик выше лучшего
// аска для шорта: гарантированно мейкер.
func passivePrice(side models.SignalSide, tob exchange.TopOfBook, tick float64) float64 {
	if side == models.SignalSideShort {
		return roundToTick(tob.BestAsk+tick, tick)
	}
	return roundToTick(tob.BestBid-tick, tick)
}

// splitNotional режет номинал по таблице долей; доли нормализуются,
// чтобы сумма траншей всегда равнялась целому.
func splitNotional(total float64, fractions []float64) []float64 {
	if len(fractions) == 0 {
		return []float64{total}
	}
	var sum float64
	for _, f := range fractions {
		sum += f
	}
	if sum <= 0 {
		return []float64{total}
	}
	out := make([]float64, len(fractions))
	for i, f := range fractions {
		out[i] = total * f / sum
	}
	return out
}

// queueAhead — суммарный объём, стоящий перед нашей ценой на нашей
// стороне книги, включая весь объём нашего уровня.
func queueAhead(levels []exchange.BookLevel, side models.OrderSide, price float64) float64 {
	var total float64
	for _, lvl := range levels {
		if lvl.Side != side {
			continue
		}
		switch side {
		case models.OrderSideBuy:
			if lvl.Price >= price {
				total += lvl.Size
			}
		case models.OrderSideSell:
			if lvl.Price <= price {
				total += lvl.Size
			}
		}
	}
	return total
}

// Run размещает транши и крутит две петли: слежение за филлами и
// перестановку котировок. Завершается полным филлом, таймаутом или
// отменой контекста.
func (s *execSession) Run(ctx context.Context) (execOutcome, error) {
	tob, err := s.e.topOfBook(ctx, s.sig.Symbol)
	if err != nil {
		return execOutcome{}, err
	}
	s.prevBook = tob

	price := passivePrice(s.sig.Side, tob, s.rules.TickSize)
	tranches := splitNotional(s.notional, s.e.cfg.Exec.Split)

	s.e.logEntry(s.sig.Symbol).WithFields(logrus.Fields{
		"microprice": microprice(tob),
		"price":      price,
		"tranches":   len(tranches),
	}).Info("Постановка пассивных траншей.")

	for i, trancheNotional := range tranches {
		order := exchange.LimitOrder{
			Symbol:    s.sig.Symbol,
			Side:      s.sig.OrderSide(),
			Price:     price,
			ValueQty:  trancheNotional,
			Leverage:  s.e.cfg.Risk.Leverage,
			PostOnly:  s.e.cfg.Exec.PostOnly,
			ClientOid: newClientOid("t"),
		}
		s.submitted = true
		placed, err := s.e.backend.PlaceLimit(ctx, order)
		if err != nil || placed.OrderID == "" {
			// отклонённый транш выпадает из набора, клиентский id никогда
			// не выдаётся за настоящий ордер
			s.e.logEntry(s.sig.Symbol).WithError(err).WithField("tranche", i).
				Warn("Транш отклонён и исключён из набора.")
			continue
		}
		s.resting[placed.OrderID] = &models.PendingOrder{
			ID:          placed.OrderID,
			ClientOid:   order.ClientOid,
			Symbol:      order.Symbol,
			Side:        order.Side,
			Price:       order.Price,
			ValueQty:    trancheNotional,
			Status:      models.OrderStatusOpen,
			SubmittedAt: time.Now(),
		}
	}

	if len(s.resting) == 0 {
		return execOutcome{Submitted: s.submitted}, nil
	}
	s.persistPending()

	runCtx, cancel := context.WithTimeout(ctx, s.e.cfg.Exec.FillTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.fillLoop(gCtx, cancel) })
	g.Go(func() error { return s.requoteLoop(gCtx) })
	if err := g.Wait(); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		s.e.logEntry(s.sig.Symbol).WithError(err).Warn("Сессия исполнения завершилась с ошибкой.")
	}

	s.cancelRemaining(ctx)
	s.persistPending()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := execOutcome{Submitted: s.submitted, FilledLots: s.filledLots}
	if s.filledLots > 0 && s.rules.LotMultiplier > 0 {
		out.AvgPrice = s.filledValue / (float64(s.filledLots) * s.rules.LotMultiplier)
	}
	return out, nil
}

// requoteLoop следит за очередью и adverse-сигналами; не чаще кулдауна
// переставляет все висящие транши к текущей пассивной цене.
// Перестановка никогда не увеличивает суммарный объём.
func (s *execSession) requoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.e.cfg.Exec.RequoteCooldown)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		s.mu.Lock()
		if len(s.resting) == 0 {
			s.mu.Unlock()
			return nil
		}
		restingPrice := 0.0
		for _, ord := range s.resting {
			restingPrice = ord.Price
			break
		}
		prev := s.prevBook
		s.mu.Unlock()

		tob, err := s.e.topOfBook(ctx, s.sig.Symbol)
		if err != nil {
			s.e.logEntry(s.sig.Symbol).WithError(err).Warn("Нет котировки для перестановки.")
			continue
		}

		verdict := EvaluateAdverse(AdverseSnapshot{
			Side:       s.sig.Side,
			QuotePrice: restingPrice,
			Prev:       prev,
			Curr:       tob,
			Thresholds: s.e.cfg.Adverse,
		})

		s.mu.Lock()
		s.prevBook = tob
		s.mu.Unlock()

		needRequote := verdict != AdverseOK
		if needRequote {
			s.e.logEntry(s.sig.Symbol).WithField("verdict", string(verdict)).
				Info("Adverse-гард требует перестановку котировки.")
		} else {
			levels, err := s.e.backend.GetOrderbookLevels(ctx, s.sig.Symbol, 20)
			if err != nil {
				s.e.logEntry(s.sig.Symbol).WithError(err).Warn("Не удалось получить стакан.")
				continue
			}
			ahead := queueAhead(levels, s.sig.OrderSide(), restingPrice)
			needRequote = ahead > s.e.cfg.Exec.QueueThreshold
		}

		// протухшая котировка обновляется независимо от очереди
		if !needRequote && s.e.cfg.Adverse.MaxQuoteStale > 0 {
			needRequote = s.oldestQuoteAge() > s.e.cfg.Adverse.MaxQuoteStale
		}

		if !needRequote {
			continue
		}
		s.requoteAll(ctx, tob)
	}
}

// oldestQuoteAge — возраст самого старого висящего транша.
func (s *execSession) oldestQuoteAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest time.Time
	for _, ord := range s.resting {
		if oldest.IsZero() || ord.SubmittedAt.Before(oldest) {
			oldest = ord.SubmittedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

func (s *execSession) requoteAll(ctx context.Context, tob exchange.TopOfBook) {
	if time.Since(s.lastRequote) < s.e.cfg.Exec.RequoteCooldown {
		return
	}
	s.lastRequote = time.Now()

	newPrice := passivePrice(s.sig.Side, tob, s.rules.TickSize)

	s.mu.Lock()
	ids := make([]string, 0, len(s.resting))
	for id := range s.resting {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		ord, ok := s.resting[id]
		if !ok || ord.Price == newPrice {
			s.mu.Unlock()
			continue
		}
		value := ord.ValueQty - ord.FilledValue
		s.mu.Unlock()
		if value <= 0 {
			continue
		}

		replacement := exchange.LimitOrder{
			Symbol:    s.sig.Symbol,
			Side:      s.sig.OrderSide(),
			Price:     newPrice,
			ValueQty:  value,
			Leverage:  s.e.cfg.Risk.Leverage,
			PostOnly:  s.e.cfg.Exec.PostOnly,
			ClientOid: newClientOid("r"),
		}
		placed, err := s.e.backend.ReplaceOrder(ctx, s.sig.Symbol, id, replacement)
		if err != nil || placed.OrderID == "" {
			// ордер мог остаться живым на бирже: остаётся под наблюдением,
			// снятие повторится следующим тиком или при завершении сессии
			s.e.logEntry(s.sig.Symbol).WithError(err).WithField("order_id", id).
				Warn("Перестановка транша сорвалась, транш остаётся под наблюдением.")
			continue
		}
		s.mu.Lock()
		delete(s.resting, id)
		s.resting[placed.OrderID] = &models.PendingOrder{
			ID:          placed.OrderID,
			ClientOid:   replacement.ClientOid,
			Symbol:      replacement.Symbol,
			Side:        replacement.Side,
			Price:       newPrice,
			ValueQty:    value,
			Status:      models.OrderStatusOpen,
			SubmittedAt: time.Now(),
		}
		s.mu.Unlock()
	}
	s.persistPending()
}

// escalateTaker конвертирует долю остатка в маркет: сперва снимает
// транши на этот объём, потом добирает маркетом ровно снятое. Никогда не
// вызывается при инициации, только по явному включению в конфиге.
func (s *execSession) escalateTaker(ctx context.Context) {
	if !s.e.cfg.Exec.MakerTakerSwitch || s.takerUsed {
		return
	}
	s.takerUsed = true

	s.mu.Lock()
	var remaining float64
	ids := make([]string, 0, len(s.resting))
	for id, ord := range s.resting {
		remaining += ord.ValueQty - ord.FilledValue
		ids = append(ids, id)
	}
	s.mu.Unlock()

	target := remaining * s.e.cfg.Exec.TakerFraction
	if target <= 0 {
		return
	}

	// суммарный объём на бирже не растёт: маркет идёт только вместо
	// реально снятых траншей
	var freed float64
	for _, id := range ids {
		if freed >= target {
			break
		}
		if err := s.e.backend.CancelOrder(ctx, s.sig.Symbol, id); err != nil {
			s.e.logEntry(s.sig.Symbol).WithError(err).WithField("order_id", id).
				Warn("Не удалось снять транш перед тейкер-добором.")
			continue
		}
		// финальный филл мог прилететь пока снимали
		if status, err := s.e.backend.GetOrderStatus(ctx, id); err == nil {
			s.absorbStatus(id, status)
		}
		s.mu.Lock()
		if ord, ok := s.resting[id]; ok {
			freed += ord.ValueQty - ord.FilledValue
			delete(s.resting, id)
		}
		s.mu.Unlock()
	}
	if freed <= 0 {
		return
	}
	s.persistPending()

	order := exchange.MarketOrder{
		Symbol:    s.sig.Symbol,
		Side:      s.sig.OrderSide(),
		ValueQty:  freed,
		Leverage:  s.e.cfg.Risk.Leverage,
		ClientOid: newClientOid("m"),
	}
	placed, err := s.e.backend.PlaceMarket(ctx, order)
	if err != nil || placed.OrderID == "" {
		s.e.logEntry(s.sig.Symbol).WithError(err).Warn("Тейкер-добор отклонён.")
		return
	}
	status, err := s.e.backend.GetOrderStatus(ctx, placed.OrderID)
	if err != nil {
		s.e.logEntry(s.sig.Symbol).WithError(err).Warn("Не удалось прочитать статус тейкер-добора.")
		return
	}
	s.mu.Lock()
	s.filledLots += int(status.FilledSize)
	s.filledValue += status.FilledValue
	s.mu.Unlock()
}

func (s *execSession) cancelRemaining(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.resting))
	for id := range s.resting {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.e.backend.CancelOrder(ctx, s.sig.Symbol, id); err != nil {
			s.e.logEntry(s.sig.Symbol).WithError(err).WithField("order_id", id).
				Warn("Не удалось снять остаточный транш.")
		}
		// финальный учёт частичного филла снятого транша
		if status, err := s.e.backend.GetOrderStatus(ctx, id); err == nil {
			s.absorbStatus(id, status)
		}
		s.mu.Lock()
		delete(s.resting, id)
		s.mu.Unlock()
	}
}

func (s *execSession) persistPending() {
	s.mu.Lock()
	orders := make([]models.PendingOrder, 0, len(s.resting))
	for _, ord := range s.resting {
		orders = append(orders, *ord)
	}
	s.mu.Unlock()
	if err := s.e.store.SetPending(s.sig.Symbol, orders); err != nil {
		s.e.logEntry(s.sig.Symbol).WithError(err).Warn("Не удалось сохранить pending-ордера.")
	}
}
