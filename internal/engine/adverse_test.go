package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pegbot/internal/config"
	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

func adverseThresholds() config.AdverseConfig {
	return config.AdverseConfig{
		BookImbalanceThreshold: 0.6,
		FundingThreshold:       0.01,
		DeltaThreshold:         0.15,
	}
}

func calmBook() exchange.TopOfBook {
	return exchange.TopOfBook{BestBid: 100.0, BestAsk: 100.2, BidSize: 500, AskSize: 500}
}

func TestAdverseOK(t *testing.T) {
	v := EvaluateAdverse(AdverseSnapshot{
		Side:       models.SignalSideLong,
		QuotePrice: 99.9,
		Prev:       calmBook(),
		Curr:       calmBook(),
		Thresholds: adverseThresholds(),
	})
	assert.Equal(t, AdverseOK, v)
}

func TestAdverseSweepLong(t *testing.T) {
	curr := calmBook()
	// бид вымели сквозь нашу котировку 99.9
	curr.BestBid = 99.5
	curr.BestAsk = 100.0

	v := EvaluateAdverse(AdverseSnapshot{
		Side:       models.SignalSideLong,
		QuotePrice: 99.9,
		Prev:       calmBook(),
		Curr:       curr,
		Thresholds: adverseThresholds(),
	})
	assert.Equal(t, AdverseCancelSweep, v)
}

func TestAdverseSweepShort(t *testing.T) {
	curr := calmBook()
	curr.BestAsk = 100.5

	v := EvaluateAdverse(AdverseSnapshot{
		Side:       models.SignalSideShort,
		QuotePrice: 100.3,
		Prev:       calmBook(),
		Curr:       curr,
		Thresholds: adverseThresholds(),
	})
	assert.Equal(t, AdverseCancelSweep, v)
}

func TestAdverseBookImbalance(t *testing.T) {
	curr := calmBook()
	curr.BidSize, curr.AskSize = 100, 900 // 90% объёма против лонга

	v := EvaluateAdverse(AdverseSnapshot{
		Side:       models.SignalSideLong,
		QuotePrice: 99.9,
		Prev:       calmBook(),
		Curr:       curr,
		Thresholds: adverseThresholds(),
	})
	assert.Equal(t, AdverseCancelBook, v)

	// для шорта тот же перекос — попутный
	v = EvaluateAdverse(AdverseSnapshot{
		Side:       models.SignalSideShort,
		QuotePrice: 100.3,
		Prev:       calmBook(),
		Curr:       curr,
		Thresholds: adverseThresholds(),
	})
	assert.Equal(t, AdverseOK, v)
}

func TestAdverseFunDelta(t *testing.T) {
	// оба фактора против лонга
	v := EvaluateAdverse(AdverseSnapshot{
		Side:       models.SignalSideLong,
		QuotePrice: 99.9,
		Prev:       calmBook(),
		Curr:       calmBook(),
		Funding:    0.02,
		Delta:      -0.2,
		Thresholds: adverseThresholds(),
	})
	assert.Equal(t, AdverseCancelFunDelta, v)

	// один фактор вердикта не даёт
	v = EvaluateAdverse(AdverseSnapshot{
		Side:       models.SignalSideLong,
		QuotePrice: 99.9,
		Prev:       calmBook(),
		Curr:       calmBook(),
		Funding:    0.02,
		Delta:      0.0,
		Thresholds: adverseThresholds(),
	})
	assert.Equal(t, AdverseOK, v)
}

func TestAdverseSweepBeatsImbalance(t *testing.T) {
	curr := calmBook()
	curr.BestBid = 99.5
	curr.BidSize, curr.AskSize = 100, 900

	v := EvaluateAdverse(AdverseSnapshot{
		Side:       models.SignalSideLong,
		QuotePrice: 99.9,
		Prev:       calmBook(),
		Curr:       curr,
		Thresholds: adverseThresholds(),
	})
	assert.Equal(t, AdverseCancelSweep, v, "свип важнее перекоса книги")
}
