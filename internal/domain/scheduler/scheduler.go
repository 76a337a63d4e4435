// Пакет scheduler — одиночный поллер, владеющий продвижением настенных часов.
// Раз в тик он атомарно захватывает созревшие напоминания из хранилища,
// раздаёт их по каналам через роутер и применяет итог: успех оставляет строку
// в fired, полный провал уводит в ретрай с экспоненциальной задержкой или в
// failed после исчерпания попыток. Фазы захвата двух тиков никогда не
// перекрываются: цикл однопоточный, параллелится только доставка.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"reminderd/internal/domain/dispatch"
	"reminderd/internal/domain/reminders"
	"reminderd/internal/infra/logger"
	"reminderd/internal/support/version"
)

// Дефолты контура ретраев.
const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxBatch    = 100
	DefaultMaxAttempts = 3
	DefaultCrashWindow = 5 * time.Minute

	retryBaseDelay = time.Minute
)

// Options — зависимости и параметры планировщика. Clock допускает внедрение
// монотонного времени в тестах; по умолчанию time.Now. ActionsFor строит
// кнопки уведомления для напоминания; nil означает "без кнопок".
type Options struct {
	Store       *reminders.Store
	Router      *dispatch.Router
	Interval    time.Duration
	MaxBatch    int
	MaxAttempts int
	CrashWindow time.Duration
	Clock       func() time.Time
	ActionsFor  func(reminderID uint64) []dispatch.Action
}

// Scheduler — цикл тиков поверх хранилища и роутера.
type Scheduler struct {
	store       *reminders.Store
	router      *dispatch.Router
	interval    time.Duration
	maxBatch    int
	maxAttempts int
	crashWindow time.Duration
	actionsFor  func(uint64) []dispatch.Action
	now         func() time.Time

	// backoffTable[n] — задержка после попытки n+1; материализована один раз
	// в конструкторе, чтобы тик не гонял генератор задержек заново.
	backoffTable []time.Duration

	tickCh chan string

	mu          sync.Mutex
	lastSuccess int64
	lastError   string
	lastErrorTS int64

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	runOnce  sync.Once
	stopOnce sync.Once
}

// New собирает планировщик, подставляя дефолты вместо нулевых опций.
func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.CrashWindow <= 0 {
		opts.CrashWindow = DefaultCrashWindow
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Scheduler{
		store:        opts.Store,
		router:       opts.Router,
		interval:     opts.Interval,
		maxBatch:     opts.MaxBatch,
		maxAttempts:  opts.MaxAttempts,
		crashWindow:  opts.CrashWindow,
		actionsFor:   opts.ActionsFor,
		now:          opts.Clock,
		backoffTable: materializeBackoff(opts.MaxAttempts),
		tickCh:       make(chan string, 1),
	}
}

// materializeBackoff снимает с экспоненциального генератора первые n задержек:
// 60 s, 120 s, 240 s, ... Рандомизация выключена, ряд детерминирован.
func materializeBackoff(n int) []time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()

	table := make([]time.Duration, 0, n)
	for range n {
		table = append(table, bo.NextBackOff())
	}
	return table
}

// Backoff возвращает задержку перед следующей попыткой после attempt
// неудачных (attempt нумеруется с 1).
func (s *Scheduler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s.backoffTable) {
		attempt = len(s.backoffTable)
	}
	return s.backoffTable[attempt-1]
}

// Start запускает цикл тиков. Повторные вызовы игнорируются. Перед первым
// тиком отрабатывает восстановление in-doubt строк после рестарта.
func (s *Scheduler) Start(ctx context.Context) {
	s.runOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)

		if n, err := s.store.RecoverInDoubt(s.now(), s.crashWindow, s.maxAttempts, s.Backoff); err != nil {
			logger.Errorf("Scheduler: in-doubt recovery failed: %v", err)
		} else if n > 0 {
			logger.Infof("Scheduler: recovered %d in-doubt reminder(s) after restart", n)
		}

		s.wg.Go(func() {
			s.loop(ctx)
		})
	})
}

// Stop останавливает цикл между тиками; текущий тик дорабатывает до конца.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}

// TickNow запрашивает внеочередной тик (консольный flush). Неблокирующий:
// уже запрошенный тик не дублируется.
func (s *Scheduler) TickNow(reason string) {
	select {
	case s.tickCh <- reason:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	defer logger.Debug("Scheduler: loop exited")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case reason := <-s.tickCh:
			logger.Debugf("Scheduler: forced tick (%s)", reason)
			s.tick(ctx)
		}
	}
}

// tick — один проход: захват, параллельная раздача, heartbeat.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	claimed, err := s.store.ClaimDue(now, s.maxBatch)
	if err != nil {
		logger.Errorf("Scheduler: claim failed: %v", err)
		s.noteError(now, err.Error())
		s.writeHeartbeat(now)
		return
	}

	if len(claimed) > 0 {
		logger.Debugf("Scheduler: claimed %d reminder(s)", len(claimed))
		var wg sync.WaitGroup
		for _, r := range claimed {
			wg.Go(func() {
				s.dispatchOne(ctx, r, now)
			})
		}
		wg.Wait()
	}

	s.writeHeartbeat(now)
}

// dispatchOne доставляет одно захваченное напоминание и фиксирует итог.
// Переходы атомарны: аудит по каналам пишется отдельными записями, сама
// смена статуса — одной транзакцией Mutate.
func (s *Scheduler) dispatchOne(ctx context.Context, r reminders.Reminder, now time.Time) {
	n := dispatch.Notification{
		ReminderID: r.ID,
		Kind:       string(r.Kind),
		Title:      fmt.Sprintf("%s Reminder (%s)", version.DisplayName, r.Kind),
		Body:       r.Message,
		Priority:   r.Priority,
	}
	if s.actionsFor != nil {
		n.Actions = s.actionsFor(r.ID)
	}

	results := s.router.Dispatch(ctx, r.Channels, n)

	nowSec := now.Unix()
	for ch, res := range results {
		entry := reminders.AuditEntry{
			TS:     nowSec,
			Action: reminders.AuditDeliveryAttempt,
			Actor:  reminders.ActorScheduler,
			Metadata: map[string]string{
				"channel": ch,
				"ok":      fmt.Sprintf("%t", res.OK),
			},
		}
		if res.Error != "" {
			entry.Metadata["error"] = res.Error
		}
		if res.MessageID != "" {
			entry.Metadata["message_id"] = res.MessageID
		}
		if res.DryRun {
			entry.Metadata["dry_run"] = "true"
		}
		if err := s.store.AppendAudit(r.ID, entry); err != nil {
			logger.Errorf("Scheduler: audit append failed for %d: %v", r.ID, err)
		}
	}

	switch {
	case dispatch.AnyOK(results):
		// Хотя бы один канал доставил: строка остаётся fired.
		if _, err := s.store.Mutate(r.ID, func(m *reminders.Reminder) error {
			m.LastError = ""
			return nil
		}); err != nil {
			logger.Errorf("Scheduler: post-delivery update failed for %d: %v", r.ID, err)
		}
		s.noteSuccess(now)
		logger.Infof("Scheduler: delivered reminder %d (attempt %d)", r.ID, r.AttemptCount)

	case r.AttemptCount < s.maxAttempts:
		delay := s.Backoff(r.AttemptCount)
		lastErr := deliveryError(results)
		if _, err := s.store.Mutate(r.ID, func(m *reminders.Reminder) error {
			m.Status = reminders.StatusScheduled
			m.DueAt = now.Add(delay).Unix()
			m.SentAt = nil
			m.LastError = lastErr
			m.RecordAudit(reminders.AuditEntry{
				TS: nowSec, Action: reminders.AuditRetry, Actor: reminders.ActorScheduler,
				Details: fmt.Sprintf("retry in %s after attempt %d", delay, r.AttemptCount),
			})
			return nil
		}); err != nil {
			logger.Errorf("Scheduler: retry scheduling failed for %d: %v", r.ID, err)
		}
		s.noteError(now, lastErr)
		logger.Warnf("Scheduler: reminder %d failed attempt %d, retry in %s", r.ID, r.AttemptCount, delay)

	default:
		lastErr := deliveryError(results)
		if _, err := s.store.Mutate(r.ID, func(m *reminders.Reminder) error {
			m.Status = reminders.StatusFailed
			m.LastError = lastErr
			m.RecordAudit(reminders.AuditEntry{
				TS: nowSec, Action: reminders.AuditFail, Actor: reminders.ActorScheduler,
				Details: fmt.Sprintf("gave up after %d attempt(s)", r.AttemptCount),
			})
			return nil
		}); err != nil {
			logger.Errorf("Scheduler: fail transition failed for %d: %v", r.ID, err)
		}
		s.noteError(now, lastErr)
		logger.Errorf("Scheduler: reminder %d failed permanently after %d attempt(s): %s", r.ID, r.AttemptCount, lastErr)
	}
}

// deliveryError сводит результаты каналов в одну строку last_error. Пустая
// карта означает, что ни один канал не был известен роутеру.
func deliveryError(results map[string]dispatch.DeliveryResult) string {
	if len(results) == 0 {
		return "no delivery channel available"
	}
	if msg := dispatch.FirstError(results); msg != "" {
		return msg
	}
	return "delivery failed"
}

func (s *Scheduler) noteSuccess(now time.Time) {
	s.mu.Lock()
	s.lastSuccess = now.Unix()
	s.mu.Unlock()
}

func (s *Scheduler) noteError(now time.Time, msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.lastErrorTS = now.Unix()
	s.mu.Unlock()
}

func (s *Scheduler) writeHeartbeat(now time.Time) {
	s.mu.Lock()
	hb := reminders.Heartbeat{
		LastPollTS:  now.Unix(),
		LastSuccess: s.lastSuccess,
		LastError:   s.lastError,
		LastErrorTS: s.lastErrorTS,
	}
	s.mu.Unlock()

	if err := s.store.WriteHeartbeat(hb); err != nil {
		logger.Errorf("Scheduler: heartbeat write failed: %v", err)
	}
}
