package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pegbot/internal/config"
	"pegbot/internal/logger"
)

// Guards — дневной лимит убытка и кулдауны по символам. Состояние
// переживает рестарт: счётчики хранятся в JSON по UTC-дню.
type Guards struct {
	mu   sync.Mutex
	path string
	cfg  config.RiskConfig
	log  *logger.Logger

	state guardState
}

type guardState struct {
	Day           string               `json:"day"`
	RealizedPnl   float64              `json:"realized_pnl"`
	Fees          float64              `json:"fees"`
	ConsecLosses  map[string]int       `json:"consec_losses"`
	CooldownUntil map[string]time.Time `json:"cooldown_until"`
	SymbolLoss    map[string]float64   `json:"symbol_loss"`
}

func NewGuards(cfg config.RiskConfig, log *logger.Logger) *Guards {
	g := &Guards{
		path: cfg.StatePath,
		cfg:  cfg,
		log:  log,
		state: guardState{
			ConsecLosses:  map[string]int{},
			CooldownUntil: map[string]time.Time{},
			SymbolLoss:    map[string]float64{},
		},
	}
	g.restore()
	return g
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// rollover сбрасывает дневные счётчики при смене UTC-дня.
// Кулдауны и серии убытков день не обнуляет.
func (g *Guards) rollover(now time.Time) {
	key := dayKey(now)
	if g.state.Day == key {
		return
	}
	g.log.WithComponent("risk_guards").Info("Новый UTC-день, сброс дневных счётчиков.")
	g.state.Day = key
	g.state.RealizedPnl = 0
	g.state.Fees = 0
	g.state.SymbolLoss = map[string]float64{}
}

// DayOk блокирует новые входы, когда дневной убыток за вычетом комиссий
// превысил потолок.
func (g *Guards) DayOk() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover(time.Now())

	net := g.state.RealizedPnl - g.state.Fees
	if g.cfg.DayLossLimitUSDT > 0 && net <= -g.cfg.DayLossLimitUSDT {
		return false, fmt.Sprintf("Дневной лимит убытка исчерпан: %.2f USDT.", net)
	}
	return true, ""
}

// CooldownOk блокирует повторный вход по символу до конца кулдауна.
func (g *Guards) CooldownOk(symbol string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover(time.Now())

	if until, ok := g.state.CooldownUntil[symbol]; ok {
		if time.Now().Before(until) {
			return false, fmt.Sprintf("Символ %s в кулдауне до %s.", symbol, until.UTC().Format(time.RFC3339))
		}
		delete(g.state.CooldownUntil, symbol)
		g.persistLocked()
	}

	if g.cfg.MaxLossPerSymbol > 0 && g.state.SymbolLoss[symbol] >= g.cfg.MaxLossPerSymbol {
		return false, fmt.Sprintf("Символ %s выбрал дневной лимит убытка.", symbol)
	}
	return true, ""
}

// RecordClose фиксирует закрытие позиции: PnL, комиссии, серию убытков.
// После N убыточных закрытий подряд символ уходит в кулдаун.
func (g *Guards) RecordClose(symbol string, realizedPnl, fees float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover(time.Now())

	g.state.RealizedPnl += realizedPnl
	g.state.Fees += fees

	if realizedPnl < 0 {
		g.state.ConsecLosses[symbol]++
		g.state.SymbolLoss[symbol] += -realizedPnl

		if g.cfg.MaxConsecLosses > 0 && g.state.ConsecLosses[symbol] >= g.cfg.MaxConsecLosses {
			until := time.Now().Add(time.Duration(g.cfg.CooldownMin) * time.Minute)
			g.state.CooldownUntil[symbol] = until
			g.state.ConsecLosses[symbol] = 0
			g.log.WithSymbol(symbol).Warn("Серия убытков, символ отправлен в кулдаун.")
		}
	} else {
		g.state.ConsecLosses[symbol] = 0
	}

	g.persistLocked()
}

func (g *Guards) restore() {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if !os.IsNotExist(err) {
			g.log.WithError(err).Warn("Не удалось прочитать состояние риск-гардов.")
		}
		g.state.Day = dayKey(time.Now())
		return
	}

	var st guardState
	if err := json.Unmarshal(data, &st); err != nil {
		g.log.WithError(err).Warn("Состояние риск-гардов повреждено, старт с нуля.")
		g.state.Day = dayKey(time.Now())
		return
	}
	if st.ConsecLosses == nil {
		st.ConsecLosses = map[string]int{}
	}
	if st.CooldownUntil == nil {
		st.CooldownUntil = map[string]time.Time{}
	}
	if st.SymbolLoss == nil {
		st.SymbolLoss = map[string]float64{}
	}
	g.state = st
	g.rollover(time.Now())
}

// Деградация мягкая: гарды продолжают работать в памяти, рестарт потеряет
// счётчики, но торговлю не останавливает — в отличие от дедупа.
func (g *Guards) persistLocked() {
	data, err := json.MarshalIndent(g.state, "", "  ")
	if err != nil {
		g.log.WithError(err).Error("Не удалось сериализовать состояние риск-гардов.")
		return
	}
	if dir := filepath.Dir(g.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			g.log.WithError(err).Error("Не удалось создать каталог состояния риск-гардов.")
			return
		}
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		g.log.WithError(err).Error("Не удалось записать состояние риск-гардов.")
		return
	}
	if err := os.Rename(tmp, g.path); err != nil {
		g.log.WithError(err).Error("Не удалось переименовать файл риск-гардов.")
	}
}
