package engine

import (
	"pegbot/internal/config"
	"pegbot/internal/exchange"
	"pegbot/internal/models"
)

// AdverseVerdict — решение по висящей котировке.
type AdverseVerdict string

const (
	AdverseOK             AdverseVerdict = "OK"
	AdverseCancelSweep    AdverseVerdict = "CANCEL_SWEEP"
	AdverseCancelBook     AdverseVerdict = "CANCEL_BOOK"
	AdverseCancelFunDelta AdverseVerdict = "CANCEL_FUNDELTA"
)

// AdverseSnapshot — всё, что нужно для решения, одним срезом. Funding и
// Delta опциональны; нулевые значения соответствующую проверку не включают.
type AdverseSnapshot struct {
	Side       models.SignalSide
	QuotePrice float64
	Prev       exchange.TopOfBook
	Curr       exchange.TopOfBook
	Funding    float64
	Delta      float64
	Thresholds config.AdverseConfig
}

// EvaluateAdverse — чистая функция над срезом: никаких вызовов наружу.
// Приоритет вердиктов: свип, перекос книги, funding+delta.
// Частоту консультаций ограничивает вызывающий.
func EvaluateAdverse(snap AdverseSnapshot) AdverseVerdict {
	if sweptThroughQuote(snap) {
		return AdverseCancelSweep
	}
	if bookAgainstQuote(snap) {
		return AdverseCancelBook
	}
	if funDeltaAgainstQuote(snap) {
		return AdverseCancelFunDelta
	}
	return AdverseOK
}

// sweptThroughQuote: нашу сторону книги только что вымели и лучшая цена
// прошла сквозь нашу котировку — её вот-вот переедут.
func sweptThroughQuote(snap AdverseSnapshot) bool {
	if snap.QuotePrice <= 0 || snap.Prev.BestBid <= 0 || snap.Prev.BestAsk <= 0 {
		return false
	}
	if snap.Side == models.SignalSideShort {
		return snap.Curr.BestAsk > snap.Prev.BestAsk && snap.Curr.BestAsk >= snap.QuotePrice
	}
	return snap.Curr.BestBid < snap.Prev.BestBid && snap.Curr.BestBid <= snap.QuotePrice
}

// bookAgainstQuote: доля объёма против направления позиции превысила порог.
func bookAgainstQuote(snap AdverseSnapshot) bool {
	total := snap.Curr.BidSize + snap.Curr.AskSize
	if total <= 0 || snap.Thresholds.BookImbalanceThreshold <= 0 {
		return false
	}
	against := snap.Curr.AskSize
	if snap.Side == models.SignalSideShort {
		against = snap.Curr.BidSize
	}
	return against/total > snap.Thresholds.BookImbalanceThreshold
}

// funDeltaAgainstQuote: funding и агрегированная дельта оба против —
// каждая по отдельности вердикта не даёт.
func funDeltaAgainstQuote(snap AdverseSnapshot) bool {
	ft := snap.Thresholds.FundingThreshold
	dt := snap.Thresholds.DeltaThreshold
	if ft <= 0 || dt <= 0 {
		return false
	}
	if snap.Side == models.SignalSideShort {
		return snap.Funding < -ft && snap.Delta > dt
	}
	return snap.Funding > ft && snap.Delta < -dt
}
