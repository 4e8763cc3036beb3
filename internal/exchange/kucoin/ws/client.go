package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pegbot/internal/exchange"
	"pegbot/internal/logger"
)

func New(restBase string, log *logger.Logger) *Client {
	return &Client{
		restBase:     restBase,
		log:          log,
		stopCh:       make(chan struct{}),
		pingInterval: 18 * time.Second,
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
		cache:        make(map[string]exchange.TopOfBook),
	}
}

// Connect получает публичный токен, открывает соединение и запускает
// циклы чтения и пинга.
func (w *Client) Connect(ctx context.Context) error {
	endpoint, err := w.dial(ctx)
	if err != nil {
		return err
	}

	w.logEntry().WithField("url", endpoint).Info("WS соединение установлено.")

	go w.readLoop()
	go w.pingLoop()

	return nil
}

// dial: рукопожатие bullet-public, затем websocket по выданному эндпоинту.
func (w *Client) dial(ctx context.Context) (string, error) {
	bullet, err := w.fetchBullet(ctx)
	if err != nil {
		return "", err
	}
	if len(bullet.InstanceServers) == 0 {
		return "", fmt.Errorf("В ответе bullet-public нет серверов.")
	}

	srv := bullet.InstanceServers[0]
	if srv.PingInterval > 0 {
		w.pingInterval = time.Duration(srv.PingInterval) * time.Millisecond
	}

	endpoint := srv.Endpoint + "?token=" + bullet.Token

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("Не удалось подключиться к WS: %w", err)
	}
	conn.SetReadLimit(2 << 20)

	w.connMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn = conn
	w.connMu.Unlock()

	return srv.Endpoint, nil
}

func (w *Client) fetchBullet(ctx context.Context) (bulletResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.restBase+"/api/v1/bullet-public", bytes.NewReader(nil))
	if err != nil {
		return bulletResult{}, fmt.Errorf("Не удалось создать запрос токена: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return bulletResult{}, fmt.Errorf("Не удалось получить WS токен: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return bulletResult{}, fmt.Errorf("Не удалось прочитать ответ bullet-public: %w", err)
	}

	var envelope struct {
		Code string       `json:"code"`
		Msg  string       `json:"msg"`
		Data bulletResult `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return bulletResult{}, fmt.Errorf("Не удалось разобрать ответ bullet-public: %w", err)
	}
	if envelope.Code != "200000" {
		return bulletResult{}, fmt.Errorf("bullet-public отклонён: code=%s msg=%s", envelope.Code, envelope.Msg)
	}

	return envelope.Data, nil
}

func (w *Client) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.connMu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.connMu.Unlock()
	})
}

// Latest возвращает последний top-of-book по символу из кэша WS.
func (w *Client) Latest(symbol string) (exchange.TopOfBook, bool) {
	w.cacheMu.RLock()
	defer w.cacheMu.RUnlock()
	tob, ok := w.cache[symbol]
	return tob, ok
}

func (w *Client) logEntry() *logrus.Entry {
	return w.log.WithComponent("kucoin_ws")
}
