package ws

import (
	"fmt"
	"strconv"
	"time"
)

// SubscribeTicker подписывает на top-of-book символа. Подписки запоминаются
// и восстанавливаются при переподключении.
func (w *Client) SubscribeTicker(symbol string) error {
	topic := "/contractMarket/tickerV2:" + symbol

	w.connMu.Lock()
	defer w.connMu.Unlock()

	for _, t := range w.topics {
		if t == topic {
			return w.sendLocked(topic)
		}
	}
	w.topics = append(w.topics, topic)
	return w.sendLocked(topic)
}

func (w *Client) resubscribe() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	for _, topic := range w.topics {
		if err := w.sendLocked(topic); err != nil {
			return err
		}
	}
	return nil
}

func (w *Client) sendLocked(topic string) error {
	if w.conn == nil {
		return fmt.Errorf("WS не подключён.")
	}
	msg := SubscribeMessage{
		ID:       strconv.FormatInt(time.Now().UnixNano(), 10),
		Type:     "subscribe",
		Topic:    topic,
		Response: true,
	}
	return w.conn.WriteJSON(msg)
}
