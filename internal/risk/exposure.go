package risk

import (
	"fmt"
	"strings"
	"sync"

	"pegbot/internal/config"
	"pegbot/internal/logger"
)

// Exposure держит заявленную маржу по корзинам коррелированных активов.
// Резерв ставится до отправки ордера; при срыве размещения вызывающий
// обязан снять его через Release.
type Exposure struct {
	mu       sync.Mutex
	reserved map[string]float64

	buckets    map[string]string
	caps       map[string]float64
	defaultCap float64
	leverage   float64
	riskUnit   float64
	log        *logger.Logger
}

func NewExposure(cfg config.RiskConfig, log *logger.Logger) *Exposure {
	byBucket := make(map[string]string)
	for bucket, symbols := range cfg.Buckets {
		for _, s := range symbols {
			byBucket[strings.ToUpper(s)] = bucket
		}
	}
	return &Exposure{
		reserved:   make(map[string]float64),
		buckets:    byBucket,
		caps:       cfg.BucketCaps,
		defaultCap: cfg.DefaultBucketCap,
		leverage:   cfg.Leverage,
		riskUnit:   cfg.RiskUSDT,
		log:        log,
	}
}

// Bucket возвращает корзину символа; неизвестный символ живёт в "other".
func (e *Exposure) Bucket(symbol string) string {
	if b, ok := e.buckets[strings.ToUpper(symbol)]; ok {
		return b
	}
	return "other"
}

// Reserve проверяет лимит корзины и резервирует маржу нового номинала.
// Маржа = номинал / плечо; лимит = cap × риск-единица.
func (e *Exposure) Reserve(bucket string, addNotional float64) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	margin := addNotional
	if e.leverage > 0 {
		margin = addNotional / e.leverage
	}

	cap := e.defaultCap
	if c, ok := e.caps[bucket]; ok {
		cap = c
	}
	limit := cap * e.riskUnit

	if e.reserved[bucket]+margin > limit {
		return false, fmt.Sprintf("Корзина %s переполнена: %.2f + %.2f > %.2f USDT.",
			bucket, e.reserved[bucket], margin, limit)
	}

	e.reserved[bucket] += margin
	return true, ""
}

// Release снимает резерв: размещение сорвалось или позиция закрыта.
func (e *Exposure) Release(bucket string, notional float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	margin := notional
	if e.leverage > 0 {
		margin = notional / e.leverage
	}

	e.reserved[bucket] -= margin
	if e.reserved[bucket] < 0 {
		e.log.WithFields(map[string]interface{}{
			"component": "exposure",
			"bucket":    bucket,
		}).Warn("Резерв корзины ушёл в минус, обнуление.")
		e.reserved[bucket] = 0
	}
}

// Committed — текущая занятая маржа корзины. Для restore и тестов.
func (e *Exposure) Committed(bucket string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reserved[bucket]
}
