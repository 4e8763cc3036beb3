package exchange

import (
	"context"
	"time"

	"pegbot/internal/models"
)

// InstrumentRules — ограничения контракта: шаг цены, множитель лота,
// минимальный объём.
type InstrumentRules struct {
	Symbol        string
	TickSize      float64
	LotMultiplier float64
	MinLots       int
	MaxLeverage   float64
	BaseCoin      string
	QuoteCoin     string
}

type TopOfBook struct {
	Symbol    string
	BestBid   float64
	BestAsk   float64
	BidSize   float64
	AskSize   float64
	Timestamp time.Time
}

func (t TopOfBook) Mid() float64 {
	if t.BestBid <= 0 || t.BestAsk <= 0 {
		return 0
	}
	return (t.BestBid + t.BestAsk) / 2
}

type BookLevel struct {
	Price float64
	Size  float64
	Side  models.OrderSide
}

type LimitOrder struct {
	Symbol    string
	Side      models.OrderSide
	Price     float64
	ValueQty  float64
	Leverage  float64
	PostOnly  bool
	ClientOid string
}

type MarketOrder struct {
	Symbol    string
	Side      models.OrderSide
	ValueQty  float64
	Leverage  float64
	ClientOid string
}

type StopOrder struct {
	Symbol        string
	Side          models.OrderSide
	Lots          int
	StopPrice     float64
	StopPriceType models.StopPriceType
	ClientOid     string
}

type ReduceOnlyLimit struct {
	Symbol    string
	Side      models.OrderSide
	Lots      int
	Price     float64
	ClientOid string
}

// PlaceResult — результат размещения. OrderID заполняет только биржа.
type PlaceResult struct {
	OrderID   string
	ClientOid string
}

// ExitResult — структурированный результат постановки SL/TP.
// При неудаче сохраняет эндпоинт, HTTP-статус и тело ответа.
type ExitResult struct {
	OK         bool
	OrderID    string
	Endpoint   string
	HTTPStatus int
	Code       string
	Msg        string
}

type OrderStatus struct {
	OrderID     string
	Status      models.OrderStatus
	Price       float64
	Size        float64
	FilledSize  float64
	FilledValue float64
}

func (s OrderStatus) AvgFillPrice() float64 {
	if s.FilledSize <= 0 {
		return 0
	}
	return s.FilledValue / s.FilledSize
}

type OpenOrder struct {
	OrderID    string
	ClientOid  string
	Side       models.OrderSide
	Type       models.OrderType
	Price      float64
	StopPrice  float64
	Lots       int
	ReduceOnly bool
	PostOnly   bool
}

// PositionSnapshot — живое состояние позиции на бирже.
type PositionSnapshot struct {
	Symbol     string
	PositionID string
	Side       models.SignalSide
	Lots       int
	EntryPrice float64
	MarkPrice  float64
}

// OrderBackend — явный контракт исполнения: адаптеры реализуют его целиком,
// вызывающие никогда не проверяют наличие методов.
type OrderBackend interface {
	GetInstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error)
	GetTopOfBook(ctx context.Context, symbol string) (TopOfBook, error)
	GetOrderbookLevels(ctx context.Context, symbol string, depth int) ([]BookLevel, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetPosition(ctx context.Context, symbol string) (PositionSnapshot, error)

	PlaceLimit(ctx context.Context, order LimitOrder) (PlaceResult, error)
	PlaceMarket(ctx context.Context, order MarketOrder) (PlaceResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	ReplaceOrder(ctx context.Context, symbol, orderID string, order LimitOrder) (PlaceResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	PlaceStop(ctx context.Context, order StopOrder) (ExitResult, error)
	PlaceReduceOnlyLimit(ctx context.Context, order ReduceOnlyLimit) (ExitResult, error)
}

// BookFeed — источник живого top-of-book (WS), с отметкой свежести.
type BookFeed interface {
	Latest(symbol string) (TopOfBook, bool)
}
