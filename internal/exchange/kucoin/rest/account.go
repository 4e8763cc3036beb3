package rest

import (
	"context"
	"net/http"
	"net/url"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

// GetPosition возвращает срез позиции по символу. Нулевой currentQty —
// позиции нет, это не ошибка.
func (c *Client) GetPosition(ctx context.Context, symbol string) (exchange.PositionSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp kucoinResponse[struct {
		ID            string  `json:"id"`
		Symbol        string  `json:"symbol"`
		CurrentQty    float64 `json:"currentQty"`
		AvgEntryPrice float64 `json:"avgEntryPrice"`
		MarkPrice     float64 `json:"markPrice"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/position", params, nil, true, &resp); err != nil {
		return exchange.PositionSnapshot{}, err
	}

	snap := exchange.PositionSnapshot{
		Symbol:     symbol,
		PositionID: resp.Data.ID,
		EntryPrice: resp.Data.AvgEntryPrice,
		MarkPrice:  resp.Data.MarkPrice,
	}
	switch {
	case resp.Data.CurrentQty > 0:
		snap.Side = models.SignalSideLong
		snap.Lots = int(resp.Data.CurrentQty)
	case resp.Data.CurrentQty < 0:
		snap.Side = models.SignalSideShort
		snap.Lots = int(-resp.Data.CurrentQty)
	}
	return snap, nil
}
