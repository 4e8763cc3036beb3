package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pegbot/internal/config"
	"pegbot/internal/engine"
	"pegbot/internal/exchange/kucoin"
	"pegbot/internal/guard"
	"pegbot/internal/logger"
	"pegbot/internal/models"
	"pegbot/internal/notify"
	"pegbot/internal/risk"
	"pegbot/internal/store"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	log.Info("Бот запущен.")

	client := kucoin.New(cfg.Exchange, log)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Telegram.Token != "" {
		notifier = notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, log)
	}

	dedup := guard.NewDedup(cfg.Dedup.Path, cfg.Dedup.EntryBucketTick, cfg.Dedup.EntryTick, log)
	exposure := risk.NewExposure(cfg.Risk, log)
	guards := risk.NewGuards(cfg.Risk, log)
	positions := store.NewPositions(cfg.Store.PositionsPath, log)

	eng := engine.New(cfg, client, client, dedup, exposure, guards, positions, notifier, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.StartFeed(ctx, nil); err != nil {
		log.WithError(err).Warn("WS фид не поднялся, котировки пойдут по REST.")
	}
	defer client.StopFeed()

	// стор читается и сверяется с биржей до приёма первого сигнала
	if err := eng.Restore(ctx); err != nil {
		log.WithError(err).Fatal("Восстановление состояния не удалось.")
	}

	go readSignals(ctx, eng, client, cfg, log)

	<-sigCh
	cancel()

	eng.Shutdown(10 * time.Second)
	log.Info("Бот остановлен.")
}

// readSignals принимает внешние сигналы JSON-строками на stdin.
// Продюсер сигналов — отдельный процесс, движок их только исполняет.
func readSignals(ctx context.Context, eng *engine.Engine, client *kucoin.Client, cfg *config.Config, log *logger.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var sig models.Signal
		if err := json.Unmarshal(line, &sig); err != nil {
			log.WithError(err).Warn("Не удалось разобрать сигнал, строка пропущена.")
			continue
		}
		if sig.CreatedAt.IsZero() {
			sig.CreatedAt = time.Now()
		}

		if cfg.Runtime.DryRun {
			log.WithSymbol(sig.Symbol).Info("Dry-run: сигнал принят, исполнение пропущено.")
			continue
		}

		if err := client.EnsureSymbol(sig.Symbol); err != nil {
			log.WithSymbol(sig.Symbol).WithError(err).Warn("Не удалось подписать фид на символ.")
		}

		go func(s models.Signal) {
			if err := eng.HandleSignal(ctx, s); err != nil {
				log.WithSymbol(s.Symbol).WithError(err).Error("Обработка сигнала завершилась с ошибкой.")
			}
		}(sig)
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Error("Чтение сигналов прервано.")
	}
}
