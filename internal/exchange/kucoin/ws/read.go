package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"pegbot/internal/exchange"
)

func (w *Client) readLoop() {
	w.logEntry().Debug("readLoop запущен.")

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		w.connMu.Lock()
		conn := w.conn
		w.connMu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.logEntry().WithError(err).Warn("Ошибка чтения WS.")
			if !w.reconnect() {
				return
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось разобрать WS сообщение.")
			continue
		}

		switch {
		case msg.Type == "pong" || msg.Type == "welcome" || msg.Type == "ack":
			continue
		case strings.HasPrefix(msg.Topic, "/contractMarket/tickerV2"):
			w.handleTicker(msg)
		default:
			continue
		}
	}
}

func (w *Client) handleTicker(msg Message) {
	var t tickerData
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать тикер WS.")
		return
	}

	bid, _ := strconv.ParseFloat(t.BestBidPrice, 64)
	ask, _ := strconv.ParseFloat(t.BestAskPrice, 64)

	ts := time.Now()
	if t.TS > 0 {
		ts = time.Unix(0, t.TS)
	}

	w.cacheMu.Lock()
	w.cache[t.Symbol] = exchange.TopOfBook{
		Symbol:    t.Symbol,
		BestBid:   bid,
		BestAsk:   ask,
		BidSize:   t.BestBidSize,
		AskSize:   t.BestAskSize,
		Timestamp: ts,
	}
	w.cacheMu.Unlock()
}

func (w *Client) pingLoop() {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.connMu.Lock()
			conn := w.conn
			w.connMu.Unlock()
			ping := Message{ID: strconv.FormatInt(time.Now().UnixNano(), 10), Type: "ping"}
			if err := conn.WriteJSON(ping); err != nil {
				w.logEntry().WithError(err).Warn("Не удалось отправить ping WS.")
			}
		}
	}
}

func (w *Client) reconnect() bool {
	backoff := w.reconnectMin

	for {
		select {
		case <-w.stopCh:
			return false
		default:
		}

		w.logEntry().Info("Попытка переподключения к WS.")

		time.Sleep(backoff)

		if _, err := w.dial(context.Background()); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось переподключиться к WS.")
			backoff = w.nextBackoff(backoff)
			continue
		}

		if err := w.resubscribe(); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось повторно подписаться на WS.")
			backoff = w.nextBackoff(backoff)
			continue
		}

		w.logEntry().Info("WS переподключён и подписки восстановлены.")
		return true
	}
}

func (w *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > w.reconnectMax {
		return w.reconnectMax
	}
	return next
}
