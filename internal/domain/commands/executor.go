package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"reminderd/internal/domain/dispatch"
	"reminderd/internal/domain/drafts"
	"reminderd/internal/domain/idempotency"
	"reminderd/internal/domain/intent"
	"reminderd/internal/domain/ledger"
	"reminderd/internal/domain/prefs"
	"reminderd/internal/domain/reminders"
	"reminderd/internal/infra/logger"
	"reminderd/internal/infra/timeutil"
	"reminderd/internal/shared"
)

// createDedupeTTL — окно дедупликации пути создания.
const createDedupeTTL = 7 * 24 * time.Hour

// entityReminder — единственный тип сущности в журнале на сегодня.
const entityReminder = "reminder"

// healthStaleAfter — множитель интервала поллера, после которого heartbeat
// считается протухшим.
const healthStaleAfter = 3

// Options — зависимости исполнителя.
type Options struct {
	Store       *reminders.Store
	Ledger      *ledger.Store
	Drafts      *drafts.Store
	Idempotency *idempotency.Store
	Prefs       *prefs.Service
	Router      *dispatch.Router
	Scheduler   Flusher
	LLMFallback *intent.Fallback

	DefaultLocation *time.Location
	PollInterval    time.Duration
	Clock           func() time.Time
}

// Executor — реализация всех операций сервиса.
type Executor struct {
	store  *reminders.Store
	ledger *ledger.Store
	drafts *drafts.Store
	idem   *idempotency.Store
	prefs  *prefs.Service
	router *dispatch.Router
	sched  Flusher
	llm    *intent.Fallback

	loc          *time.Location
	pollInterval time.Duration
	now          func() time.Time
}

// NewExecutor собирает исполнитель; nil Clock заменяется на time.Now.
func NewExecutor(opts Options) *Executor {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DefaultLocation == nil {
		opts.DefaultLocation = time.UTC
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Executor{
		store:        opts.Store,
		ledger:       opts.Ledger,
		drafts:       opts.Drafts,
		idem:         opts.Idempotency,
		prefs:        opts.Prefs,
		router:       opts.Router,
		sched:        opts.Scheduler,
		llm:          opts.LLMFallback,
		loc:          opts.DefaultLocation,
		pollInterval: opts.PollInterval,
		now:          opts.Clock,
	}
}

// Create создаёт напоминание из структурированного запроса. Повтор с тем же
// ключом дедупликации в окне TTL не создаёт вторую строку: возвращается
// записанная ранее квитанция.
func (e *Executor) Create(req CreateRequest) (Receipt, error) {
	now := e.now()
	if req.DueAt.IsZero() {
		return Receipt{}, errors.Wrap(shared.ErrValidation, "due time is required")
	}
	if req.DueAt.Before(now) {
		return Receipt{}, errors.Wrapf(shared.ErrValidation, "due time %s is in the past", req.DueAt.In(e.loc))
	}

	key := req.DedupeKey
	if key == "" {
		key = idempotency.CreateKey(req.Message, req.DueAt.Unix(), req.Channels)
	}
	duplicate, prior, err := e.idem.Reserve(key, now, createDedupeTTL)
	if err != nil {
		return Receipt{}, err
	}
	if duplicate {
		var receipt Receipt
		if len(prior) > 0 && json.Unmarshal(prior, &receipt) == nil {
			logger.Infof("Create: duplicate dropped, dedupe key %s", key)
			receipt.Duplicate = true
			return receipt, nil
		}
		// Ключ занят, а квитанции нет: первая попытка не дошла до коммита.
		// Считаем вызов свежим и пробуем создать строку заново.
	}

	r := reminders.Reminder{
		Kind:       reminders.Kind(req.Kind),
		Message:    req.Message,
		DueAt:      req.DueAt.Unix(),
		Timezone:   req.Timezone,
		Channels:   req.Channels,
		Priority:   req.Priority,
		ContextRef: req.ContextRef,
	}
	if r.Priority == 0 {
		r.Priority = reminders.DefaultPriority
	}
	if err := e.store.Insert(&r, now, reminders.ActorUser); err != nil {
		// Резерв снимается, иначе честный повтор упрётся в пустой ключ.
		if relErr := e.idem.Release(key); relErr != nil {
			logger.Warnf("Create: dedupe key release failed: %v", relErr)
		}
		return Receipt{}, err
	}

	entry, err := e.ledger.Record(req.SessionID, entityReminder, r.ID, ledger.OpCreate, nil, &r, now)
	if err != nil {
		// Напоминание уже на диске; отсутствие undo-токена не повод его терять.
		logger.Errorf("Create: ledger record failed for %d: %v", r.ID, err)
	}

	receipt := Receipt{
		ID:        r.ID,
		Status:    string(r.Status),
		DueAt:     r.DueAt,
		Kind:      string(r.Kind),
		Channels:  r.Channels,
		Priority:  r.Priority,
		UndoToken: entry.UndoToken,
	}
	if data, err := json.Marshal(receipt); err == nil {
		if err := e.idem.StoreResponse(key, data); err != nil {
			logger.Warnf("Create: dedupe response store failed: %v", err)
		}
	}
	logger.Infof("Create: reminder %d scheduled for %s", r.ID, time.Unix(r.DueAt, 0).In(e.loc))
	return receipt, nil
}

// CreateFromText распознаёт естественный текст. Полный интент уходит в
// Create; неполный оседает черновиком с уточняющим вопросом.
func (e *Executor) CreateFromText(ctx context.Context, sessionID, text string) (CreateOutcome, error) {
	now := e.now()
	loc := e.sessionLocation(sessionID)

	ri := intent.Normalize(text, now, loc)
	if ri == nil && e.llm != nil && intent.HasActionKeyword(text) {
		inferred, err := e.llm.Infer(ctx, text, now, loc)
		if err != nil {
			logger.Warnf("CreateFromText: llm fallback failed: %v", err)
		} else {
			ri = inferred
		}
	}
	if ri == nil {
		return CreateOutcome{}, errors.Wrapf(shared.ErrValidation, "not a reminder request: %q", text)
	}

	e.applyPreferences(sessionID, ri)

	if ri.NeedsClarification || ri.DueAt == nil {
		draft, err := e.drafts.Create(sessionID, text, ri, now)
		if err != nil {
			return CreateOutcome{}, err
		}
		return CreateOutcome{Draft: &DraftReceipt{
			DraftID:            draft.DraftID,
			ClarifyingQuestion: draft.ClarifyingQuestion,
			ExpiresAt:          draft.ExpiresAt,
		}}, nil
	}

	receipt, err := e.createFromIntent(sessionID, ri)
	if err != nil {
		return CreateOutcome{}, err
	}
	return CreateOutcome{Receipt: &receipt}, nil
}

// createFromIntent переводит полный интент в структурированный запрос.
func (e *Executor) createFromIntent(sessionID string, ri *intent.ReminderIntent) (Receipt, error) {
	return e.Create(CreateRequest{
		SessionID: sessionID,
		Message:   ri.Message,
		DueAt:     *ri.DueAt,
		Kind:      ri.Kind,
		Channels:  ri.Channels,
		Priority:  ri.Priority,
		Timezone:  ri.Timezone,
	})
}

// applyPreferences подставляет сессионные дефолты вместо общесистемных:
// явные значения из текста пользователя не перетираются.
func (e *Executor) applyPreferences(sessionID string, ri *intent.ReminderIntent) {
	p := e.prefs.Get(sessionID)
	if ri.Priority == intent.DefaultPriority && p.DefaultPriority != 0 {
		ri.Priority = p.DefaultPriority
	}
	if len(ri.Channels) == 1 && ri.Channels[0] == intent.DefaultChannel && len(p.DefaultChannels) > 0 {
		ri.Channels = append([]string(nil), p.DefaultChannels...)
	}
}

// sessionLocation возвращает таймзону сессии; сейчас это общесистемный
// дефолт, пер-сессионная зона появится вместе с learning_flags.
func (e *Executor) sessionLocation(string) *time.Location {
	return e.loc
}

// Action применяет действие колбэка к напоминанию и пишет журнал.
// Подтверждающее уведомление уходит лучшим каналом и только best-effort.
func (e *Executor) Action(ctx context.Context, sessionID string, id uint64, action string) (Receipt, error) {
	now := e.now()

	before, err := e.store.Get(id)
	if err != nil {
		return Receipt{}, err
	}

	mutate, describe, err := actionMutation(action, now)
	if err != nil {
		return Receipt{}, err
	}

	after, err := e.store.Mutate(id, mutate)
	if err != nil {
		return Receipt{}, err
	}

	entry, err := e.ledger.Record(sessionID, entityReminder, id, ledger.OpUpdate, &before, &after, now)
	if err != nil {
		logger.Errorf("Action: ledger record failed for %d: %v", id, err)
	}

	e.notifyConfirmation(ctx, &after, describe)

	return Receipt{
		ID:        after.ID,
		Status:    string(after.Status),
		DueAt:     after.DueAt,
		Kind:      string(after.Kind),
		Channels:  after.Channels,
		Priority:  after.Priority,
		UndoToken: entry.UndoToken,
	}, nil
}

// actionMutation возвращает мутацию строки под код действия и человеческое
// описание для подтверждающего уведомления.
func actionMutation(action string, now time.Time) (func(*reminders.Reminder) error, string, error) {
	nowSec := now.Unix()

	if action == ActionDone {
		return func(r *reminders.Reminder) error {
			if r.Status != reminders.StatusFired && r.Status != reminders.StatusAcknowledged {
				return errors.Wrapf(shared.ErrState, "cannot acknowledge reminder in status %q", r.Status)
			}
			r.Status = reminders.StatusAcknowledged
			r.RecordAudit(reminders.AuditEntry{
				TS: nowSec, Action: reminders.AuditActionCallback, Actor: reminders.ActorUser, Details: ActionDone,
			})
			return nil
		}, "Done", nil
	}

	if action == ActionCancel {
		return func(r *reminders.Reminder) error {
			if r.Status.Terminal() {
				return errors.Wrapf(shared.ErrState, "reminder already in terminal status %q", r.Status)
			}
			r.Status = reminders.StatusCanceled
			canceled := nowSec
			r.CanceledAt = &canceled
			r.RecordAudit(reminders.AuditEntry{
				TS: nowSec, Action: reminders.AuditCancel, Actor: reminders.ActorUser, Details: ActionCancel,
			})
			return nil
		}, "Canceled", nil
	}

	if minutes, ok := snoozeMinutes[action]; ok {
		return reschedule(now, time.Duration(minutes)*time.Minute, reminders.AuditSnooze, action),
			fmt.Sprintf("Snoozed %d min", minutes), nil
	}
	if hours, ok := delayHours[action]; ok {
		return reschedule(now, time.Duration(hours)*time.Hour, reminders.AuditDelay, action),
			fmt.Sprintf("Delayed %d h", hours), nil
	}

	return nil, "", errors.Wrapf(shared.ErrValidation, "unknown action %q", action)
}

// reschedule — общая мутация snooze и delay: строка возвращается в
// scheduled с чистым счётчиком попыток.
func reschedule(now time.Time, d time.Duration, auditAction, details string) func(*reminders.Reminder) error {
	return func(r *reminders.Reminder) error {
		switch r.Status {
		case reminders.StatusFired, reminders.StatusScheduled, reminders.StatusSnoozed:
		default:
			return errors.Wrapf(shared.ErrState, "cannot reschedule reminder in status %q", r.Status)
		}
		r.Status = reminders.StatusScheduled
		r.DueAt = now.Add(d).Unix()
		r.SentAt = nil
		r.AttemptCount = 0
		r.RecordAudit(reminders.AuditEntry{
			TS: now.Unix(), Action: auditAction, Actor: reminders.ActorUser, Details: details,
		})
		return nil
	}
}

// notifyConfirmation шлёт короткое подтверждение одним каналом, ntfy
// предпочтителен. Сбой не влияет на итог действия.
func (e *Executor) notifyConfirmation(ctx context.Context, r *reminders.Reminder, text string) {
	if e.router == nil || len(r.Channels) == 0 {
		return
	}
	channel := r.Channels[0]
	for _, ch := range r.Channels {
		if ch == reminders.ChannelNtfy {
			channel = ch
			break
		}
	}
	results := e.router.Dispatch(ctx, []string{channel}, dispatch.Notification{
		ReminderID: r.ID,
		Kind:       string(reminders.KindRemind),
		Title:      fmt.Sprintf("Reminder %d: %s", r.ID, text),
		Body:       r.Message,
		Priority:   reminders.MinPriority,
	})
	if !dispatch.AnyOK(results) {
		logger.Debugf("Action: confirmation notification for %d not delivered", r.ID)
	}
}

// Cancel отменяет напоминание вне колбэк-пути (CLI, консоль).
func (e *Executor) Cancel(sessionID string, id uint64) (Receipt, error) {
	now := e.now()
	before, err := e.store.Get(id)
	if err != nil {
		return Receipt{}, err
	}
	after, err := e.store.Cancel(id, now, reminders.ActorUser)
	if err != nil {
		return Receipt{}, err
	}
	entry, err := e.ledger.Record(sessionID, entityReminder, id, ledger.OpUpdate, &before, &after, now)
	if err != nil {
		logger.Errorf("Cancel: ledger record failed for %d: %v", id, err)
	}
	return Receipt{
		ID:        after.ID,
		Status:    string(after.Status),
		DueAt:     after.DueAt,
		Kind:      string(after.Kind),
		Channels:  after.Channels,
		Priority:  after.Priority,
		UndoToken: entry.UndoToken,
	}, nil
}

// List возвращает напоминания в порядке захвата. status "all" снимает фильтр.
func (e *Executor) List(status string) ([]Reminder, error) {
	return e.store.List(status)
}

// Get возвращает напоминание с полным журналом аудита.
func (e *Executor) Get(id uint64) (Reminder, error) {
	return e.store.Get(id)
}

// Health собирает снимок живости: heartbeat поллера, запланированные строки,
// последняя доставка.
func (e *Executor) Health() (HealthResult, error) {
	now := e.now()

	hb, err := e.store.ReadHeartbeat()
	if err != nil {
		return HealthResult{}, err
	}
	stats, err := e.store.ScheduledStats()
	if err != nil {
		return HealthResult{}, err
	}

	age := int64(0)
	alive := false
	if hb.LastPollTS > 0 {
		age = now.Unix() - hb.LastPollTS
		alive = age <= int64(healthStaleAfter*e.pollInterval/time.Second)
	}

	res := HealthResult{
		Status: "ok",
		Scheduler: SchedulerHealth{
			LastHeartbeat:   hb.LastPollTS,
			HeartbeatAgeSec: age,
			IsAlive:         alive,
		},
		Reminders: ReminderStats{
			ScheduledCount: stats.ScheduledCount,
			NextDueAt:      stats.NextDueAt,
		},
		Delivery: DeliveryHealth{
			LastSuccess: hb.LastSuccess,
			LastError:   hb.LastError,
		},
		Timestamp: now.Unix(),
	}
	if stats.NextDueAt > 0 {
		res.Reminders.NextDueInSec = stats.NextDueAt - now.Unix()
	}
	if !alive {
		res.Status = "degraded"
	}
	return res, nil
}

// Stats возвращает сводку по запланированным строкам без полного Health.
func (e *Executor) Stats() (reminders.Stats, error) {
	return e.store.ScheduledStats()
}

// Drafts возвращает живые черновики сессии.
func (e *Executor) Drafts(sessionID string) ([]Draft, error) {
	return e.drafts.ListForSession(sessionID, e.now())
}

// ConfirmDraft коммитит черновик в основное хранилище. Черновик без
// полного времени подтвердить нельзя: сначала Modify.
func (e *Executor) ConfirmDraft(sessionID, draftID string) (Receipt, error) {
	now := e.now()
	draft, err := e.drafts.Get(draftID, now)
	if err != nil {
		return Receipt{}, err
	}
	if draft.Intent.DueAt == nil {
		return Receipt{}, errors.Wrapf(shared.ErrValidation, "draft %s still needs a time", draftID)
	}
	if _, err := e.drafts.Confirm(draftID, now); err != nil {
		return Receipt{}, err
	}
	return e.createFromIntent(sessionID, &draft.Intent)
}

// ModifyDraft патчит черновик текстом пользователя через экстракторы.
func (e *Executor) ModifyDraft(sessionID, draftID, text string) (Draft, []string, error) {
	return e.drafts.Modify(draftID, text, e.now(), e.sessionLocation(sessionID))
}

// Preferences возвращает настройки сессии.
func (e *Executor) Preferences(sessionID string) Preferences {
	return e.prefs.Get(sessionID)
}

// SetPreferences сохраняет настройки сессии, проверяя формат времени.
func (e *Executor) SetPreferences(sessionID string, p Preferences) error {
	if p.DefaultLaterTime != "" && !timeutil.IsValidClock(p.DefaultLaterTime) {
		return errors.Wrapf(shared.ErrValidation, "bad default_later_time %q", p.DefaultLaterTime)
	}
	if p.BriefingTime != "" && !timeutil.IsValidClock(p.BriefingTime) {
		return errors.Wrapf(shared.ErrValidation, "bad briefing_time %q", p.BriefingTime)
	}
	return e.prefs.Set(sessionID, p)
}

// Flush просит планировщик сделать внеочередной тик.
func (e *Executor) Flush(reason string) {
	if e.sched != nil {
		e.sched.TickNow(reason)
	}
}
