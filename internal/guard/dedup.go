package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pegbot/internal/logger"
	"pegbot/internal/models"
)

// Dedup подавляет повторную подачу одной и той же торговой идеи в окне TTL.
// Кэш отпечаток→срок хранится в JSON и переживает рестарт.
type Dedup struct {
	mu   sync.Mutex
	path string
	tick float64
	buck int
	log  *logger.Logger
}

type dedupFile struct {
	Entries map[string]time.Time `json:"entries"`
}

func NewDedup(path string, entryBucketTicks int, tickSize float64, log *logger.Logger) *Dedup {
	if entryBucketTicks < 1 {
		entryBucketTicks = 1
	}
	return &Dedup{
		path: path,
		tick: tickSize,
		buck: entryBucketTicks,
		log:  log,
	}
}

// Fingerprint — стабильный хэш идеи: символ, сторона, таймфрейм,
// отсортированные теги и вход, огрублённый до корзины из N тиков
// инструмента. Без тика инструмента берётся тик из конфига.
// Два сигнала с одним отпечатком — одна идея.
func (d *Dedup) Fingerprint(sig models.Signal, tickSize float64) string {
	tick := tickSize
	if tick <= 0 {
		tick = d.tick
	}

	entry := sig.Entry
	if tick > 0 {
		bucket := tick * float64(d.buck)
		entry = math.Floor(sig.Entry/bucket) * bucket
	}

	tags := append([]string(nil), sig.Tags...)
	sort.Strings(tags)

	payload, _ := json.Marshal(struct {
		Symbol    string   `json:"symbol"`
		Side      string   `json:"side"`
		Timeframe string   `json:"timeframe"`
		Tags      []string `json:"tags"`
		Entry     string   `json:"entry"`
	}{
		Symbol:    sig.Symbol,
		Side:      string(sig.Side),
		Timeframe: sig.Timeframe,
		Tags:      tags,
		Entry:     fmt.Sprintf("%.10f", entry),
	})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:32]
}

// CheckAndMark возвращает true, если отпечаток уже есть и не истёк —
// дубликат, вызывающий обязан прерваться. Иначе отпечаток записывается
// с новым сроком. Ошибка хранилища означает "проверить невозможно":
// сигнал НЕ пропускается, вызывающий повторяет позже.
func (d *Dedup) CheckAndMark(fp string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, err := d.load()
	if err != nil {
		d.log.WithFingerprint(fp).WithError(err).Error("Не удалось прочитать кэш отпечатков.")
		return false, fmt.Errorf("Кэш отпечатков недоступен: %w", err)
	}

	now := time.Now()
	d.purgeExpired(state, now)

	if exp, ok := state.Entries[fp]; ok && exp.After(now) {
		return true, nil
	}

	state.Entries[fp] = now.Add(ttl)
	if err := d.persist(state); err != nil {
		d.log.WithFingerprint(fp).WithError(err).Error("Не удалось сохранить кэш отпечатков.")
		return false, fmt.Errorf("Кэш отпечатков не записан: %w", err)
	}
	return false, nil
}

// Unmark откатывает отметку, если сигнал сорвался до того, как хоть один
// ордер ушёл на биржу.
func (d *Dedup) Unmark(fp string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, err := d.load()
	if err != nil {
		return err
	}
	if _, ok := state.Entries[fp]; !ok {
		return nil
	}
	delete(state.Entries, fp)
	return d.persist(state)
}

// PurgeAll очищает кэш целиком.
func (d *Dedup) PurgeAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.persist(&dedupFile{Entries: map[string]time.Time{}})
}

func (d *Dedup) purgeExpired(state *dedupFile, now time.Time) {
	for fp, exp := range state.Entries {
		if !exp.After(now) {
			delete(state.Entries, fp)
		}
	}
}

func (d *Dedup) load() (*dedupFile, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &dedupFile{Entries: map[string]time.Time{}}, nil
		}
		return nil, err
	}

	var state dedupFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Entries == nil {
		state.Entries = map[string]time.Time{}
	}
	return &state, nil
}

// persist пишет во временный файл и переименовывает: читатель никогда не
// увидит недописанный JSON.
func (d *Dedup) persist(state *dedupFile) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(d.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}
