package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

// stopDirection: стоп под длинной позицией (ордер sell) срабатывает вниз,
// под короткой (ордер buy) — вверх.
func stopDirection(side models.OrderSide) string {
	if side == models.OrderSideSell {
		return "down"
	}
	return "up"
}

// PlaceStop ставит reduce-only стоп market-on-trigger. Сначала основной
// условный эндпоинт; при отказе 4xx (права или валидация) — запасной
// общий эндпоинт с теми же stop-полями. Успех определяется только кодом
// приложения, не HTTP-статусом.
func (c *Client) PlaceStop(ctx context.Context, order exchange.StopOrder) (exchange.ExitResult, error) {
	body := map[string]any{
		"clientOid":     order.ClientOid,
		"symbol":        order.Symbol,
		"side":          sideParam(order.Side),
		"type":          "market",
		"stop":          stopDirection(order.Side),
		"stopPrice":     c.priceParam(order.Symbol, order.StopPrice),
		"stopPriceType": string(order.StopPriceType),
		"size":          order.Lots,
		"reduceOnly":    true,
	}

	res, err := c.placeExit(ctx, "/api/v1/st-orders", body)
	if err == nil {
		return res, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.IsPermission() {
		c.log.WithFields(logrus.Fields{
			"component":   "kucoin_rest",
			"symbol":      order.Symbol,
			"http_status": apiErr.HTTPStatus,
			"code":        apiErr.Code,
		}).Warn("Условный эндпоинт отклонил стоп, переключение на запасной.")

		fallback, fbErr := c.placeExit(ctx, "/api/v1/orders", body)
		if fbErr == nil {
			return fallback, nil
		}
		return exitFailure(fbErr), fbErr
	}

	return exitFailure(err), err
}

// PlaceReduceOnlyLimit — reduce-only лимит (TP) на противоположной стороне.
// Та же цепочка fallback, что и у стопа.
func (c *Client) PlaceReduceOnlyLimit(ctx context.Context, order exchange.ReduceOnlyLimit) (exchange.ExitResult, error) {
	body := map[string]any{
		"clientOid":   order.ClientOid,
		"symbol":      order.Symbol,
		"side":        sideParam(order.Side),
		"type":        "limit",
		"price":       c.priceParam(order.Symbol, order.Price),
		"size":        order.Lots,
		"reduceOnly":  true,
		"timeInForce": "GTC",
	}

	res, err := c.placeExit(ctx, "/api/v1/orders", body)
	if err == nil {
		return res, nil
	}
	return exitFailure(err), err
}

func (c *Client) placeExit(ctx context.Context, endpoint string, body map[string]any) (exchange.ExitResult, error) {
	var resp kucoinResponse[struct {
		OrderID string `json:"orderId"`
	}]

	if err := c.doRequest(ctx, http.MethodPost, endpoint, nil, body, true, &resp); err != nil {
		return exchange.ExitResult{}, err
	}

	return exchange.ExitResult{
		OK:       true,
		OrderID:  resp.Data.OrderID,
		Endpoint: endpoint,
		Code:     codeOK,
	}, nil
}

func exitFailure(err error) exchange.ExitResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return exchange.ExitResult{
			OK:         false,
			Endpoint:   apiErr.Endpoint,
			HTTPStatus: apiErr.HTTPStatus,
			Code:       apiErr.Code,
			Msg:        apiErr.Msg,
		}
	}
	return exchange.ExitResult{OK: false, Msg: err.Error()}
}
