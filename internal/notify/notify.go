package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pegbot/internal/logger"
)

// Notifier — единственная точка исходящих уведомлений. Отправка
// best-effort: сбой логируется и никогда не влияет на торговое состояние.
type Notifier interface {
	Notify(text string)
}

type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
	log      *logger.Logger
}

func NewTelegram(botToken, chatID string, log *logger.Logger) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

func (t *Telegram) Notify(text string) {
	if t.botToken == "" || t.chatID == "" {
		return
	}
	go func() {
		if err := t.send(text); err != nil {
			t.log.WithComponent("telegram").WithError(err).Warn("Не удалось отправить уведомление.")
		}
	}()
}

func (t *Telegram) send(text string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	payload, _ := json.Marshal(map[string]any{
		"chat_id": t.chatID,
		"text":    text,
	})

	var lastErr error
	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return lastErr
}

// Nop — заглушка для тестов и dry-run.
type Nop struct{}

func (Nop) Notify(string) {}
