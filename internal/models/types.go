package models

import "time"

type SignalSide string
type OrderSide string
type OrderType string
type OrderStatus string
type StopPriceType string

const (
	SignalSideLong  SignalSide = "LONG"
	SignalSideShort SignalSide = "SHORT"

	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"

	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"

	StopPriceLast StopPriceType = "TP"
	StopPriceMark StopPriceType = "MP"
)

// Signal — внешняя торговая идея. Создаётся сигнальным модулем,
// исполняется не более одного раза.
type Signal struct {
	Symbol    string     `json:"symbol"`
	Side      SignalSide `json:"side"`
	Entry     float64    `json:"entry"`
	Stop      float64    `json:"stop"`
	TP1       float64    `json:"tp1"`
	TP2       float64    `json:"tp2,omitempty"`
	Notional  float64    `json:"notional"`
	Timeframe string     `json:"timeframe"`
	Tags      []string   `json:"tags,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (s Signal) OrderSide() OrderSide {
	if s.Side == SignalSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// PendingOrder — ордер в полёте. ID присваивает только биржа: отклонённая
// заявка остаётся без ID и никогда не считается размещённой.
type PendingOrder struct {
	ID           string      `json:"id"`
	ClientOid    string      `json:"client_oid"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Price        float64     `json:"price"`
	ValueQty     float64     `json:"value_qty"`
	FilledValue  float64     `json:"filled_value"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Status       OrderStatus `json:"status"`
	SubmittedAt  time.Time   `json:"submitted_at"`
}

// PositionState — авторитетная запись об открытой позиции.
// Не более одной позиции на символ.
type PositionState struct {
	Symbol      string     `json:"symbol"`
	Side        SignalSide `json:"side"`
	Entry       float64    `json:"entry"`
	Lots        int        `json:"lots"`
	InitialLots int        `json:"initial_lots"`
	Stop        float64    `json:"stop"`
	TP1         float64    `json:"tp1"`
	TP2         float64    `json:"tp2,omitempty"`
	TP1Done     bool       `json:"tp1_done"`
	Bucket      string     `json:"bucket"`
	Notional    float64    `json:"notional"`
	OpenedAt    time.Time  `json:"opened_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func OppositeSide(side OrderSide) OrderSide {
	if side == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}
