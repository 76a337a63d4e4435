// Package concurrency — утилиты конкурентного исполнения.
// Здесь живёт таймер автоматического завершения: ограниченные по времени запуски
// (run --for N) получают graceful shutdown без внешнего supervisor'а.
package concurrency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"reminderd/internal/infra/logger"
)

// StartTimeoutTimer запускает горутину, которая по истечении timeout секунд
// вызывает cancelFunc и тем самым инициирует штатную остановку приложения.
// При timeout <= 0 или nil cancelFunc ничего не делает. Возвращается немедленно.
func StartTimeoutTimer(ctx context.Context, timeoutSec int, cancelFunc context.CancelFunc) {
	if timeoutSec <= 0 || cancelFunc == nil {
		return
	}

	duration := time.Duration(timeoutSec) * time.Second

	go func() {
		logger.Info("Auto-shutdown timer armed", zap.Duration("timeout", duration))

		timer := time.NewTimer(duration)
		defer timer.Stop()

		select {
		case <-timer.C:
			logger.Info("Auto-shutdown timeout reached, initiating graceful shutdown")
			cancelFunc()
		case <-ctx.Done():
			logger.Debug("Auto-shutdown timer cancelled: context already done")
		}
	}()
}
