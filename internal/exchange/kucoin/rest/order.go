package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

func sideParam(side models.OrderSide) string {
	return strings.ToLower(string(side))
}

func (c *Client) PlaceLimit(ctx context.Context, order exchange.LimitOrder) (exchange.PlaceResult, error) {
	body := map[string]any{
		"clientOid":   order.ClientOid,
		"symbol":      order.Symbol,
		"side":        sideParam(order.Side),
		"type":        "limit",
		"price":       c.priceParam(order.Symbol, order.Price),
		"valueQty":    strconv.FormatFloat(order.ValueQty, 'f', -1, 64),
		"leverage":    strconv.FormatFloat(order.Leverage, 'f', -1, 64),
		"timeInForce": "GTC",
	}
	if order.PostOnly {
		body["postOnly"] = true
	}

	var resp kucoinResponse[struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}]

	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/orders", nil, body, true, &resp); err != nil {
		return exchange.PlaceResult{}, err
	}

	return exchange.PlaceResult{OrderID: resp.Data.OrderID, ClientOid: order.ClientOid}, nil
}

func (c *Client) PlaceMarket(ctx context.Context, order exchange.MarketOrder) (exchange.PlaceResult, error) {
	body := map[string]any{
		"clientOid": order.ClientOid,
		"symbol":    order.Symbol,
		"side":      sideParam(order.Side),
		"type":      "market",
		"valueQty":  strconv.FormatFloat(order.ValueQty, 'f', -1, 64),
		"leverage":  strconv.FormatFloat(order.Leverage, 'f', -1, 64),
	}

	var resp kucoinResponse[struct {
		OrderID string `json:"orderId"`
	}]

	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/orders", nil, body, true, &resp); err != nil {
		return exchange.PlaceResult{}, err
	}

	return exchange.PlaceResult{OrderID: resp.Data.OrderID, ClientOid: order.ClientOid}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	var resp kucoinResponse[struct {
		CancelledOrderIds []string `json:"cancelledOrderIds"`
	}]
	return c.doRequest(ctx, http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil, true, &resp)
}

// ReplaceOrder: у фьючерсного API нет amend, поэтому отмена + новый лимит
// со свежим clientOid. Отмена несуществующего ордера не считается ошибкой.
func (c *Client) ReplaceOrder(ctx context.Context, symbol, orderID string, order exchange.LimitOrder) (exchange.PlaceResult, error) {
	if err := c.CancelOrder(ctx, symbol, orderID); err != nil {
		if !isOrderGoneError(err) {
			return exchange.PlaceResult{}, err
		}
	}
	return c.PlaceLimit(ctx, order)
}

func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (exchange.OrderStatus, error) {
	var resp kucoinResponse[struct {
		ID          string  `json:"id"`
		Price       string  `json:"price"`
		Size        float64 `json:"size"`
		DealSize    float64 `json:"dealSize"`
		DealValue   string  `json:"dealValue"`
		FilledValue string  `json:"filledValue"`
		Status      string  `json:"status"`
		CancelExist bool    `json:"cancelExist"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/orders/"+orderID, nil, nil, true, &resp); err != nil {
		return exchange.OrderStatus{}, err
	}

	price, _ := strconv.ParseFloat(resp.Data.Price, 64)
	filledValue, _ := strconv.ParseFloat(resp.Data.FilledValue, 64)
	if filledValue == 0 {
		filledValue, _ = strconv.ParseFloat(resp.Data.DealValue, 64)
	}

	status := models.OrderStatusOpen
	switch {
	case resp.Data.Status == "done" && resp.Data.CancelExist:
		status = models.OrderStatusCanceled
	case resp.Data.Status == "done":
		status = models.OrderStatusFilled
	case resp.Data.DealSize > 0:
		status = models.OrderStatusPartiallyFilled
	}

	return exchange.OrderStatus{
		OrderID:     resp.Data.ID,
		Status:      status,
		Price:       price,
		Size:        resp.Data.Size,
		FilledSize:  resp.Data.DealSize,
		FilledValue: filledValue,
	}, nil
}

func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	params := url.Values{}
	params.Set("status", "active")
	params.Set("symbol", symbol)

	var resp kucoinResponse[struct {
		Items []struct {
			ID         string `json:"id"`
			ClientOid  string `json:"clientOid"`
			Side       string `json:"side"`
			Type       string `json:"type"`
			Price      string `json:"price"`
			StopPrice  string `json:"stopPrice"`
			Size       int    `json:"size"`
			ReduceOnly bool   `json:"reduceOnly"`
			PostOnly   bool   `json:"postOnly"`
		} `json:"items"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/orders", params, nil, true, &resp); err != nil {
		return nil, err
	}

	var orders []exchange.OpenOrder
	for _, item := range resp.Data.Items {
		price, _ := strconv.ParseFloat(item.Price, 64)
		stopPrice, _ := strconv.ParseFloat(item.StopPrice, 64)

		orderType := models.OrderTypeLimit
		if strings.EqualFold(item.Type, "market") {
			orderType = models.OrderTypeMarket
		}
		side := models.OrderSideBuy
		if strings.EqualFold(item.Side, "sell") {
			side = models.OrderSideSell
		}

		orders = append(orders, exchange.OpenOrder{
			OrderID:    item.ID,
			ClientOid:  item.ClientOid,
			Side:       side,
			Type:       orderType,
			Price:      price,
			StopPrice:  stopPrice,
			Lots:       item.Size,
			ReduceOnly: item.ReduceOnly,
			PostOnly:   item.PostOnly,
		})
	}
	return orders, nil
}

func isOrderGoneError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "100004") || strings.Contains(msg, "order cannot be modified") ||
		strings.Contains(msg, "The order cannot be canceled") || strings.Contains(msg, "404")
}
