package engine

import (
	"context"
	"time"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

// fillLoop опрашивает статусы висящих траншей до полного филла, таймаута
// или отмены. Когда траншей не осталось, гасит всю сессию через cancel.
func (s *execSession) fillLoop(ctx context.Context, cancel context.CancelFunc) error {
	ticker := time.NewTicker(s.e.cfg.Exec.PollInterval)
	defer ticker.Stop()

	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		s.mu.Lock()
		ids := make([]string, 0, len(s.resting))
		for id := range s.resting {
			ids = append(ids, id)
		}
		s.mu.Unlock()

		for _, id := range ids {
			status, err := s.e.backend.GetOrderStatus(ctx, id)
			if err != nil {
				s.e.logEntry(s.sig.Symbol).WithError(err).WithField("order_id", id).
					Warn("Не удалось прочитать статус ордера.")
				continue
			}
			s.absorbStatus(id, status)

			if status.Status == models.OrderStatusFilled || status.Status == models.OrderStatusCanceled {
				s.mu.Lock()
				delete(s.resting, id)
				s.mu.Unlock()
			}
		}

		s.mu.Lock()
		done := len(s.resting) == 0
		s.mu.Unlock()
		if done {
			s.persistPending()
			cancel()
			return nil
		}

		// добор тейкером — один раз, после половины окна ожидания
		if s.e.cfg.Exec.MakerTakerSwitch && time.Since(started) > s.e.cfg.Exec.FillTimeout/2 {
			s.escalateTaker(ctx)
		}
	}
}

// absorbStatus переносит прирост филла в счётчики сессии. Повторное
// чтение того же статуса прироста не даёт.
func (s *execSession) absorbStatus(id string, status exchange.OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.seenLots[id]
	if status.FilledSize <= prev {
		return
	}
	deltaLots := status.FilledSize - prev
	s.seenLots[id] = status.FilledSize

	var deltaValue float64
	if status.FilledSize > 0 {
		deltaValue = status.FilledValue * (deltaLots / status.FilledSize)
	}

	s.filledLots += int(deltaLots)
	s.filledValue += deltaValue

	if ord, ok := s.resting[id]; ok {
		ord.FilledValue = status.FilledValue
		ord.AvgFillPrice = status.AvgFillPrice()
		ord.Status = status.Status
	}
}
