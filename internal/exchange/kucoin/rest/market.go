package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	var resp kucoinResponse[contractInfo]
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/contracts/"+symbol, nil, nil, false, &resp); err != nil {
		return exchange.InstrumentRules{}, err
	}

	tick := resp.Data.TickSize
	if tick <= 0 {
		tick = resp.Data.PriceIncrement
	}
	minLots := int(resp.Data.LotSize)
	if minLots < 1 {
		minLots = 1
	}

	rules := exchange.InstrumentRules{
		Symbol:        resp.Data.Symbol,
		TickSize:      tick,
		LotMultiplier: resp.Data.Multiplier,
		MinLots:       minLots,
		MaxLeverage:   resp.Data.MaxLeverage,
		BaseCoin:      resp.Data.BaseCurrency,
		QuoteCoin:     resp.Data.QuoteCurrency,
	}

	c.rulesMu.Lock()
	c.rules[symbol] = rules
	c.rulesMu.Unlock()

	return rules, nil
}

func (c *Client) GetTopOfBook(ctx context.Context, symbol string) (exchange.TopOfBook, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp kucoinResponse[struct {
		Symbol       string  `json:"symbol"`
		BestBidPrice string  `json:"bestBidPrice"`
		BestAskPrice string  `json:"bestAskPrice"`
		BestBidSize  float64 `json:"bestBidSize"`
		BestAskSize  float64 `json:"bestAskSize"`
		TS           int64   `json:"ts"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/ticker", params, nil, false, &resp); err != nil {
		return exchange.TopOfBook{}, err
	}

	bid, _ := strconv.ParseFloat(resp.Data.BestBidPrice, 64)
	ask, _ := strconv.ParseFloat(resp.Data.BestAskPrice, 64)

	// ts приходит в наносекундах; нулевой ts считаем "сейчас", чтобы не
	// объявлять свежий ответ протухшим.
	ts := time.Now()
	if resp.Data.TS > 0 {
		ts = time.Unix(0, resp.Data.TS)
	}

	return exchange.TopOfBook{
		Symbol:    symbol,
		BestBid:   bid,
		BestAsk:   ask,
		BidSize:   resp.Data.BestBidSize,
		AskSize:   resp.Data.BestAskSize,
		Timestamp: ts,
	}, nil
}

// GetOrderbookLevels возвращает уровни стакана, bids и asks вперемешку,
// каждый помечен стороной. depth ограничен 20 — глубже этот срез не отдаёт.
func (c *Client) GetOrderbookLevels(ctx context.Context, symbol string, depth int) ([]exchange.BookLevel, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp kucoinResponse[struct {
		Bids [][2]float64 `json:"bids"`
		Asks [][2]float64 `json:"asks"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/level2/depth20", params, nil, false, &resp); err != nil {
		return nil, err
	}

	if depth <= 0 || depth > 20 {
		depth = 20
	}

	levels := make([]exchange.BookLevel, 0, depth*2)
	for i, lvl := range resp.Data.Bids {
		if i >= depth {
			break
		}
		levels = append(levels, exchange.BookLevel{Price: lvl[0], Size: lvl[1], Side: models.OrderSideBuy})
	}
	for i, lvl := range resp.Data.Asks {
		if i >= depth {
			break
		}
		levels = append(levels, exchange.BookLevel{Price: lvl[0], Size: lvl[1], Side: models.OrderSideSell})
	}
	return levels, nil
}

func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	var resp kucoinResponse[struct {
		Symbol string  `json:"symbol"`
		Value  float64 `json:"value"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/mark-price/"+symbol+"/current", nil, nil, false, &resp); err != nil {
		return 0, err
	}
	return resp.Data.Value, nil
}
