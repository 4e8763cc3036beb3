package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pegbot/internal/logger"
	"pegbot/internal/models"
)

// Positions — авторитетная карта символ→позиция. Каждая мутация сразу
// сбрасывается на диск; чтение всегда отражает последний снимок.
type Positions struct {
	mu   sync.Mutex
	path string
	log  *logger.Logger

	positions map[string]models.PositionState
	pending   map[string][]models.PendingOrder
}

func NewPositions(path string, log *logger.Logger) *Positions {
	return &Positions{
		path:      path,
		log:       log,
		positions: make(map[string]models.PositionState),
		pending:   make(map[string][]models.PendingOrder),
	}
}

type positionsFile struct {
	Positions map[string]models.PositionState  `json:"positions"`
	Pending   map[string][]models.PendingOrder `json:"pending,omitempty"`
}

// Load читает снимок с диска. Вызывается один раз до запуска мониторов,
// чтобы полузавершённый перенос стопа не потерялся при рестарте.
func (p *Positions) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("Не удалось прочитать файл позиций: %w", err)
	}

	var file positionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("Файл позиций повреждён: %w", err)
	}
	if file.Positions != nil {
		p.positions = file.Positions
	}
	if file.Pending != nil {
		p.pending = file.Pending
	}
	return nil
}

// Open создаёт запись позиции. Вторая позиция по тому же символу — ошибка
// вызывающего, не перезапись.
func (p *Positions) Open(pos models.PositionState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.positions[pos.Symbol]; exists {
		return fmt.Errorf("Позиция по %s уже открыта.", pos.Symbol)
	}

	now := time.Now()
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = now
	}
	pos.UpdatedAt = now
	if pos.InitialLots == 0 {
		pos.InitialLots = pos.Lots
	}

	p.positions[pos.Symbol] = pos
	return p.persistLocked()
}

// UpdateEntryOnFill корректирует среднюю цену и объём по подтверждённому филлу.
func (p *Positions) UpdateEntryOnFill(symbol string, avgEntry float64, lots int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return fmt.Errorf("Нет открытой позиции по %s.", symbol)
	}
	if avgEntry > 0 {
		pos.Entry = avgEntry
	}
	pos.Lots = lots
	if lots > pos.InitialLots {
		pos.InitialLots = lots
	}
	pos.UpdatedAt = time.Now()
	p.positions[symbol] = pos
	return p.persistLocked()
}

// MarkTP1Done поднимает флаг и переносит стоп. Повторный вызов — no-op:
// перенос в безубыток происходит не более одного раза.
func (p *Positions) MarkTP1Done(symbol string, newStop float64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return false, fmt.Errorf("Нет открытой позиции по %s.", symbol)
	}
	if pos.TP1Done {
		return false, nil
	}
	pos.TP1Done = true
	pos.Stop = newStop
	pos.UpdatedAt = time.Now()
	p.positions[symbol] = pos
	return true, p.persistLocked()
}

// ReduceLots уменьшает объём при частичном закрытии.
func (p *Positions) ReduceLots(symbol string, lots int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return fmt.Errorf("Нет открытой позиции по %s.", symbol)
	}
	if lots < 0 {
		lots = 0
	}
	pos.Lots = lots
	pos.UpdatedAt = time.Now()
	p.positions[symbol] = pos
	return p.persistLocked()
}

// Close удаляет позицию и её pending-ордера.
func (p *Positions) Close(symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.positions[symbol]; !ok {
		return fmt.Errorf("Нет открытой позиции по %s.", symbol)
	}
	delete(p.positions, symbol)
	delete(p.pending, symbol)
	return p.persistLocked()
}

func (p *Positions) Get(symbol string) (models.PositionState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	return pos, ok
}

func (p *Positions) All() []models.PositionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.PositionState, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out
}

// SetPending запоминает ордера в полёте по символу; нужен для
// реконсиляции после рестарта.
func (p *Positions) SetPending(symbol string, orders []models.PendingOrder) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(orders) == 0 {
		delete(p.pending, symbol)
	} else {
		p.pending[symbol] = orders
	}
	return p.persistLocked()
}

// PendingAll отдаёт копию всей карты pending-ордеров для реконсиляции
// после рестарта.
func (p *Positions) PendingAll() map[string][]models.PendingOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]models.PendingOrder, len(p.pending))
	for symbol, orders := range p.pending {
		out[symbol] = append([]models.PendingOrder(nil), orders...)
	}
	return out
}

func (p *Positions) Pending(symbol string) []models.PendingOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.PendingOrder(nil), p.pending[symbol]...)
}

func (p *Positions) persistLocked() error {
	file := positionsFile{Positions: p.positions, Pending: p.pending}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(p.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}
