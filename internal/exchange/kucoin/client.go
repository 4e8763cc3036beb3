package kucoin

import (
	"context"

	"pegbot/internal/config"
	"pegbot/internal/exchange"
	"pegbot/internal/exchange/kucoin/rest"
	"pegbot/internal/exchange/kucoin/ws"
	"pegbot/internal/logger"
)

// Client связывает REST-адаптер и публичный WS-фид в один бэкенд.
type Client struct {
	*rest.Client
	feed *ws.Client
}

var _ exchange.OrderBackend = (*Client)(nil)
var _ exchange.BookFeed = (*Client)(nil)

func New(cfg config.ExchangeConfig, log *logger.Logger) *Client {
	return &Client{
		Client: rest.New(cfg.BaseUrl, cfg.ApiKey, cfg.Secret, cfg.Passphrase, log),
		feed:   ws.New(cfg.BaseUrl, log),
	}
}

// StartFeed подключает WS и подписывает на top-of-book каждого символа.
func (c *Client) StartFeed(ctx context.Context, symbols []string) error {
	if err := c.feed.Connect(ctx); err != nil {
		return err
	}
	for _, s := range symbols {
		if err := c.feed.SubscribeTicker(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) StopFeed() {
	c.feed.Stop()
}

// EnsureSymbol подписывает фид на символ при первом сигнале по нему.
func (c *Client) EnsureSymbol(symbol string) error {
	return c.feed.SubscribeTicker(symbol)
}

// Latest отдаёт последний top-of-book из кэша WS; при отсутствии вызывающий
// падает обратно на REST.
func (c *Client) Latest(symbol string) (exchange.TopOfBook, bool) {
	return c.feed.Latest(symbol)
}
