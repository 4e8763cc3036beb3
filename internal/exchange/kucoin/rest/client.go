package rest

import (
	"net/http"
	"time"

	"pegbot/internal/exchange"
	"pegbot/internal/logger"
)

func New(baseURL, apiKey, secret, passphrase string, log *logger.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		secret:     secret,
		passphrase: passphrase,
		httpClient: &http.Client{
			Timeout: 8 * time.Second,
		},
		log:   log,
		rules: make(map[string]exchange.InstrumentRules),
	}
}

// priceParam квантует цену к шагу контракта, если ограничения уже
// закэшированы; иначе отдаёт цену как есть.
func (c *Client) priceParam(symbol string, price float64) string {
	c.rulesMu.RLock()
	rules, ok := c.rules[symbol]
	c.rulesMu.RUnlock()
	if ok && rules.TickSize > 0 {
		return formatWithStep(price, rules.TickSize)
	}
	return formatWithStep(price, 0)
}
