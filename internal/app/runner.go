package app

import (
	"context"
	"time"

	"reminderd/internal/adapters/cli"
	"reminderd/internal/infra/logger"
)

const (
	webServerShutdownTimeout = 10 * time.Second
)

// Runner инкапсулирует сценарий запуска и остановки демона напоминаний.
// Отвечает за:
//   - линейный запуск сервисов в правильном порядке (персистентность раньше
//     планировщика, планировщик раньше внешних интерфейсов),
//   - корректное завершение в обратном порядке: сначала гаснут интерфейсы,
//     затем планировщик дорабатывает текущий тик, последними закрываются файлы.
type Runner struct {
	app       *App
	console   *cli.Console
	sweepStop chan struct{} // останавливает фоновые чистильщики черновиков и idempotency-ключей
	webUp     bool
}

// NewRunner подготавливает Runner поверх собранного App.
func NewRunner(app *App) *Runner {
	return &Runner{app: app}
}

// Run — главный цикл демона. Запускает сервисы, блокируется до отмены
// внешнего контекста и выполняет корректное завершение. Хранилища
// закрываются после остановки всех сервисов.
func (r *Runner) Run() error {
	a := r.app

	stopped := make(chan struct{})
	go func() {
		<-a.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		close(stopped)
	}()

	if err := r.startAllServices(a.mainCtx); err != nil {
		a.mainCancel()
		<-stopped
		a.Close()
		return err
	}

	logger.Info("Reminder service running...")
	<-stopped
	a.Close()
	return nil
}

func (r *Runner) startAllServices(ctx context.Context) error {
	a := r.app

	// prefs_service
	logger.Debug("starting service prefs_service")
	a.prefs.Start()
	logger.Debug("service prefs_service started")

	// sweepers: фоновая уборка протухших черновиков и idempotency-ключей
	logger.Debug("starting service sweepers")
	r.sweepStop = make(chan struct{})
	a.drafts.StartSweeper(r.sweepStop, time.Now)
	a.idem.StartSweeper(r.sweepStop, time.Now)
	logger.Debug("service sweepers started")

	// scheduler: внутри Start выполняется возврат зависших in_flight
	logger.Debug("starting service scheduler")
	a.sched.Start(ctx)
	logger.Debug("service scheduler started")

	// web_server
	logger.Debug("starting service web_server")
	go func() {
		if err := a.web.Start(); err != nil {
			logger.Errorf("web server error: %v", err)
			a.mainCancel()
		}
	}()
	r.webUp = true
	logger.Debug("service web_server started")

	// console (только при интерактивном stdin)
	if a.opts.Console {
		logger.Debug("starting service console")
		r.console = cli.NewConsole(a.executor, a.mainCancel)
		r.console.Start(ctx)
		logger.Debug("service console started")
	}

	return nil
}

func (r *Runner) stopAllServices() {
	a := r.app
	// Останавливаем в обратном порядке

	// console
	if r.console != nil {
		logger.Debug("stopping service console")
		r.console.Stop()
		logger.Debug("service console stopped")
	}

	// web_server
	if r.webUp {
		logger.Debug("stopping service web_server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
		defer cancel()
		if err := a.web.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("failed to stop web_server: %v", err)
		}
		logger.Debug("service web_server stopped")
	}

	// scheduler
	logger.Debug("stopping service scheduler")
	a.sched.Stop()
	logger.Debug("service scheduler stopped")

	// sweepers
	if r.sweepStop != nil {
		logger.Debug("stopping service sweepers")
		close(r.sweepStop)
		logger.Debug("service sweepers stopped")
	}

	// prefs_service
	logger.Debug("stopping service prefs_service")
	if err := a.prefs.Stop(); err != nil {
		logger.Errorf("stop prefs_service: %v", err)
	}
	logger.Debug("service prefs_service stopped")
}
