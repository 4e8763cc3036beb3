package rest

import (
	"fmt"
	"net/http"
	"sync"

	"pegbot/internal/exchange"
	"pegbot/internal/logger"
)

type Client struct {
	baseURL    string
	apiKey     string
	secret     string
	passphrase string
	httpClient *http.Client
	log        *logger.Logger

	rulesMu sync.RWMutex
	rules   map[string]exchange.InstrumentRules
}

type kucoinResponse[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

const codeOK = "200000"

// APIError — ошибка уровня приложения или HTTP. Код ответа биржи важнее
// HTTP-статуса: HTTP 200 с кодом ошибки — это отказ.
type APIError struct {
	Endpoint   string
	HTTPStatus int
	Code       string
	Msg        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Ошибка kucoin %s: HTTP=%d code=%s msg=%s", e.Endpoint, e.HTTPStatus, e.Code, e.Msg)
}

// permissionCodes — коды приложения про ключи и доступ; биржа отдаёт их
// и при HTTP 200, фолбэк по ним так же оправдан, как по 4xx.
var permissionCodes = map[string]struct{}{
	"400003": {}, // KC-API-KEY не существует
	"400004": {}, // неверная passphrase
	"400005": {}, // неверная подпись
	"400006": {}, // IP вне белого списка
	"400007": {}, // доступ запрещён
	"411100": {}, // пользователь заморожен
}

// IsPermission — отказ 4xx либо код приложения про права, при котором
// ретраить тот же эндпоинт бессмысленно; вызывающий переключается на
// запасной.
func (e *APIError) IsPermission() bool {
	if e.HTTPStatus >= 400 && e.HTTPStatus < 500 {
		return true
	}
	_, ok := permissionCodes[e.Code]
	return ok
}

// IsTransient — сетевые/5xx, имеет смысл повторить с бэкоффом.
func (e *APIError) IsTransient() bool {
	return e.HTTPStatus >= 500 || e.HTTPStatus == 0
}

type contractInfo struct {
	Symbol         string  `json:"symbol"`
	BaseCurrency   string  `json:"baseCurrency"`
	QuoteCurrency  string  `json:"quoteCurrency"`
	TickSize       float64 `json:"tickSize"`
	Multiplier     float64 `json:"multiplier"`
	LotSize        float64 `json:"lotSize"`
	MaxLeverage    float64 `json:"maxLeverage"`
	PriceIncrement float64 `json:"priceIncrement"`
}
