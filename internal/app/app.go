// Package app — верхний уровень сборки демона: здесь открываются хранилища,
// связываются провайдеры доставки, планировщик, исполнитель команд, HTTP-API
// и консоль, а Runner оркестрирует их жизненный цикл и graceful shutdown.
package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"reminderd/internal/adapters/ntfy"
	"reminderd/internal/adapters/stub"
	"reminderd/internal/adapters/web"
	"reminderd/internal/domain/commands"
	"reminderd/internal/domain/dispatch"
	"reminderd/internal/domain/drafts"
	"reminderd/internal/domain/idempotency"
	"reminderd/internal/domain/intent"
	"reminderd/internal/domain/ledger"
	"reminderd/internal/domain/prefs"
	"reminderd/internal/domain/reminders"
	"reminderd/internal/domain/scheduler"
	"reminderd/internal/infra/config"
	"reminderd/internal/infra/logger"
	"reminderd/internal/infra/storage"
)

// Options — параметры запуска демона поверх конфигурации окружения.
// IntervalSec > 0 перекрывает SCHEDULER_POLL_SEC (флаг --interval).
type Options struct {
	IntervalSec int
	Console     bool
}

// App агрегирует подсистемы демона. Отвечает за:
//   - открытие и закрытие четырёх bbolt-файлов и prefs.json,
//   - сборку роутера доставки по сконфигурированным каналам,
//   - планировщик, исполнитель команд, HTTP-сервер и консоль,
//   - запуск Runner с корректным порядком старта и остановки.
type App struct {
	mainCtx    context.Context
	mainCancel context.CancelFunc
	opts       Options

	store    *reminders.Store
	ledger   *ledger.Store
	drafts   *drafts.Store
	idem     *idempotency.Store
	prefs    *prefs.Service
	router   *dispatch.Router
	sched    *scheduler.Scheduler
	executor *commands.Executor
	web      *web.Server
	runner   *Runner
}

// NewApp создаёт пустой каркас; фактическая инициализация — в Init().
func NewApp() *App {
	return &App{}
}

// Init открывает хранилища и связывает подсистемы. Ошибка на любом шаге
// оставляет уже открытые файлы закрытыми через Close().
func (a *App) Init(mainCtx context.Context, mainCancel context.CancelFunc, opts Options) error {
	a.mainCtx = mainCtx
	a.mainCancel = mainCancel
	a.opts = opts
	env := config.Env()

	if err := storage.EnsureDir(config.StatePath(config.RemindersDBFile)); err != nil {
		return errors.Wrap(err, "ensure state dir")
	}

	var err error
	if a.store, err = reminders.Open(config.StatePath(config.RemindersDBFile)); err != nil {
		return errors.Wrap(err, "open reminders store")
	}
	if a.ledger, err = ledger.Open(config.StatePath(config.LedgerDBFile), time.Duration(env.UndoWindowSec)*time.Second); err != nil {
		a.Close()
		return errors.Wrap(err, "open ledger store")
	}
	if a.drafts, err = drafts.Open(config.StatePath(config.PendingDBFile), time.Duration(env.DraftTTLSec)*time.Second); err != nil {
		a.Close()
		return errors.Wrap(err, "open drafts store")
	}
	if a.idem, err = idempotency.Open(config.StatePath(config.IdempotencyDBFile)); err != nil {
		a.Close()
		return errors.Wrap(err, "open idempotency store")
	}
	if a.prefs, err = prefs.NewService(config.StatePath(config.PrefsFile)); err != nil {
		a.Close()
		return errors.Wrap(err, "init prefs service")
	}

	a.router = buildRouter(env)

	interval := time.Duration(env.SchedulerPollSec) * time.Second
	if opts.IntervalSec > 0 {
		interval = time.Duration(opts.IntervalSec) * time.Second
	}
	a.sched = scheduler.New(scheduler.Options{
		Store:       a.store,
		Router:      a.router,
		Interval:    interval,
		MaxBatch:    env.SchedulerMaxBatch,
		MaxAttempts: env.SchedulerMaxAttempts,
		ActionsFor: func(reminderID uint64) []dispatch.Action {
			return ntfy.BuildActions(env.PublicBaseURL, env.ActionToken, reminderID)
		},
	})

	var fallback *intent.Fallback
	if env.IntentLLMEnabled && env.IntentLLMBaseURL != "" {
		fallback = intent.NewFallback(env.IntentLLMBaseURL, env.IntentLLMAPIKey, env.IntentLLMModel)
	}

	a.executor = commands.NewExecutor(commands.Options{
		Store:           a.store,
		Ledger:          a.ledger,
		Drafts:          a.drafts,
		Idempotency:     a.idem,
		Prefs:           a.prefs,
		Router:          a.router,
		Scheduler:       a.sched,
		LLMFallback:     fallback,
		DefaultLocation: config.DefaultLocation,
		PollInterval:    interval,
	})

	a.web = web.NewServer(web.Options{
		Executor:        a.executor,
		Idempotency:     a.idem,
		Addr:            env.ListenAddr,
		ActionToken:     env.ActionToken,
		DefaultLocation: config.DefaultLocation,
	})

	a.runner = NewRunner(a)
	return nil
}

// buildRouter собирает роутер доставки: боевой ntfy, очередь брифинга и
// заглушки для каналов без транспорта.
func buildRouter(env config.EnvConfig) *dispatch.Router {
	sender := ntfy.NewSender(ntfy.Options{
		BaseURL:       env.NtfyBaseURL,
		Topic:         env.NtfyTopic,
		PublicBaseURL: env.PublicBaseURL,
		ActionToken:   env.ActionToken,
		ThrottleRPS:   env.NtfyThrottleRPS,
		DryRun:        env.NotifyDryRun,
	})
	return dispatch.NewRouter(
		sender,
		stub.NewBriefingQueue(),
		&stub.NotImplemented{Channel: reminders.ChannelVoice, DryRun: env.NotifyDryRun},
		&stub.NotImplemented{Channel: reminders.ChannelDesktopPopup, DryRun: env.NotifyDryRun},
	)
}

// Run запускает Runner; блокируется до остановки приложения.
func (a *App) Run() error {
	return a.runner.Run()
}

// Close закрывает хранилища в обратном порядке открытия. Вызывается после
// остановки всех сервисов.
func (a *App) Close() {
	if a.idem != nil {
		if err := a.idem.Close(); err != nil {
			logger.Errorf("close idempotency store: %v", err)
		}
		a.idem = nil
	}
	if a.drafts != nil {
		if err := a.drafts.Close(); err != nil {
			logger.Errorf("close drafts store: %v", err)
		}
		a.drafts = nil
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			logger.Errorf("close ledger store: %v", err)
		}
		a.ledger = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Errorf("close reminders store: %v", err)
		}
		a.store = nil
	}
}
