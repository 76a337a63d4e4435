package commands_test

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"reminderd/internal/domain/commands"
	"reminderd/internal/domain/dispatch"
	"reminderd/internal/domain/drafts"
	"reminderd/internal/domain/idempotency"
	"reminderd/internal/domain/ledger"
	"reminderd/internal/domain/prefs"
	"reminderd/internal/domain/reminders"
	"reminderd/internal/shared"
)

type okProvider struct{}

func (okProvider) Name() string { return "ntfy" }

func (okProvider) Send(context.Context, dispatch.Notification) dispatch.DeliveryResult {
	return dispatch.DeliveryResult{OK: true}
}

type flushRecorder struct {
	reasons []string
}

func (f *flushRecorder) TickNow(reason string) { f.reasons = append(f.reasons, reason) }

type fixture struct {
	exec  *commands.Executor
	store *reminders.Store
	idem  *idempotency.Store
	now   *time.Time
	flush *flushRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := reminders.Open(filepath.Join(dir, "reminders.db"))
	if err != nil {
		t.Fatalf("open reminders: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	lg, err := ledger.Open(filepath.Join(dir, "ledger.db"), 30*time.Minute)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = lg.Close() })

	dr, err := drafts.Open(filepath.Join(dir, "pending.db"), 10*time.Minute)
	if err != nil {
		t.Fatalf("open drafts: %v", err)
	}
	t.Cleanup(func() { _ = dr.Close() })

	idem, err := idempotency.Open(filepath.Join(dir, "idempotency.db"))
	if err != nil {
		t.Fatalf("open idempotency: %v", err)
	}
	t.Cleanup(func() { _ = idem.Close() })

	pr, err := prefs.NewService(filepath.Join(dir, "prefs.json"))
	if err != nil {
		t.Fatalf("open prefs: %v", err)
	}
	t.Cleanup(func() { _ = pr.Stop() })

	now := time.Date(2026, 1, 20, 14, 0, 0, 0, time.UTC)
	flush := &flushRecorder{}
	exec := commands.NewExecutor(commands.Options{
		Store:           store,
		Ledger:          lg,
		Drafts:          dr,
		Idempotency:     idem,
		Prefs:           pr,
		Router:          dispatch.NewRouter(okProvider{}),
		Scheduler:       flush,
		DefaultLocation: time.UTC,
		PollInterval:    5 * time.Second,
		Clock:           func() time.Time { return now },
	})
	return &fixture{exec: exec, store: store, idem: idem, now: &now, flush: flush}
}

func (f *fixture) createDue(t *testing.T, msg string, due time.Time) commands.Receipt {
	t.Helper()
	receipt, err := f.exec.Create(commands.CreateRequest{
		SessionID: "cli",
		Message:   msg,
		DueAt:     due,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return receipt
}

// insertFired кладёт просроченную строку напрямую в хранилище (мимо проверки
// времени на пути создания) и прогоняет захват, получая статус fired.
func (f *fixture) insertFired(t *testing.T, msg string) uint64 {
	t.Helper()
	r := reminders.Reminder{Message: msg, DueAt: f.now.Add(-time.Minute).Unix(), Channels: []string{"ntfy"}}
	if err := f.store.Insert(&r, *f.now, reminders.ActorUser); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	f.fire(t, r.ID)
	return r.ID
}

// fire прогоняет захват планировщика, чтобы получить строку в статусе fired.
func (f *fixture) fire(t *testing.T, id uint64) {
	t.Helper()
	claimed, err := f.store.ClaimDue(*f.now, 100)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	for _, r := range claimed {
		if r.ID == id {
			return
		}
	}
	t.Fatalf("reminder %d was not claimed", id)
}

func TestCreateReceiptAndDedupe(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	due := f.now.Add(time.Hour)

	receipt := f.createDue(t, "call mom", due)
	if receipt.ID == 0 || receipt.Status != "scheduled" || receipt.Duplicate {
		t.Fatalf("receipt = %+v", receipt)
	}
	if receipt.UndoToken == "" {
		t.Error("create receipt has no undo token")
	}
	if receipt.Priority != reminders.DefaultPriority {
		t.Errorf("priority = %d, want default", receipt.Priority)
	}

	// Повтор с теми же полями дропается и возвращает прежнюю квитанцию.
	again, err := f.exec.Create(commands.CreateRequest{SessionID: "cli", Message: "call mom", DueAt: due})
	if err != nil {
		t.Fatalf("Create duplicate: %v", err)
	}
	if !again.Duplicate || again.ID != receipt.ID {
		t.Errorf("duplicate receipt = %+v, want original id %d", again, receipt.ID)
	}

	list, err := f.exec.List("scheduled")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("store has %d rows, want 1", len(list))
	}
}

func TestCreateRequiresDueTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.exec.Create(commands.CreateRequest{SessionID: "cli", Message: "no time"})
	if !errors.Is(err, shared.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestCreateRejectsPastDue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.exec.Create(commands.CreateRequest{
		SessionID: "cli",
		Message:   "yesterday's standup",
		DueAt:     f.now.Add(-time.Second),
	})
	if !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	// Отклонённый запрос не оставляет следов: ни строки, ни занятого ключа.
	list, err := f.exec.List("all")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("store has %d rows after rejected create, want 0", len(list))
	}
}

func TestFailedCreateDoesNotPoisonDedupeKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	bad := commands.CreateRequest{
		SessionID: "cli",
		Message:   "walk dog",
		DueAt:     f.now.Add(time.Hour),
		Channels:  []string{"pager"},
	}

	if _, err := f.exec.Create(bad); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("first create err = %v, want ErrValidation", err)
	}

	// Повтор после неудачи снова доходит до хранилища и получает ту же
	// ошибку, а не дроп "дубликата" с пустой квитанцией.
	if _, err := f.exec.Create(bad); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("retry err = %v, want ErrValidation", err)
	}
}

func TestCreateRetriesReservationWithoutReceipt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	due := f.now.Add(time.Hour)

	// Ключ занят, но квитанции нет: так выглядит прерванная первая попытка.
	key := idempotency.CreateKey("water plants", due.Unix(), nil)
	if dup, _, err := f.idem.Reserve(key, *f.now, time.Hour); err != nil || dup {
		t.Fatalf("seed reserve: dup=%v err=%v", dup, err)
	}

	receipt, err := f.exec.Create(commands.CreateRequest{SessionID: "cli", Message: "water plants", DueAt: due})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if receipt.Duplicate || receipt.ID == 0 || receipt.UndoToken == "" {
		t.Errorf("receipt = %+v, want a fresh row", receipt)
	}
}

func TestCreateFromTextFullIntent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, err := f.exec.CreateFromText(context.Background(), "cli", "remind me to submit the report tomorrow at 4:30 PM")
	if err != nil {
		t.Fatalf("CreateFromText: %v", err)
	}
	if out.Receipt == nil {
		t.Fatalf("outcome = %+v, want receipt", out)
	}
	want := time.Date(2026, 1, 21, 16, 30, 0, 0, time.UTC).Unix()
	if out.Receipt.DueAt != want {
		t.Errorf("due = %d, want %d", out.Receipt.DueAt, want)
	}

	got, err := f.exec.Get(out.Receipt.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Message != "submit the report" {
		t.Errorf("message = %q", got.Message)
	}
}

func TestCreateFromTextDraftFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, err := f.exec.CreateFromText(context.Background(), "cli", "remind me to call the dentist")
	if err != nil {
		t.Fatalf("CreateFromText: %v", err)
	}
	if out.Draft == nil {
		t.Fatalf("outcome = %+v, want draft", out)
	}
	if out.Draft.ClarifyingQuestion == "" {
		t.Error("draft has no clarifying question")
	}

	// Без времени подтвердить нельзя.
	if _, err := f.exec.ConfirmDraft("cli", out.Draft.DraftID); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("premature confirm err = %v, want ErrValidation", err)
	}

	_, changed, err := f.exec.ModifyDraft("cli", out.Draft.DraftID, "tomorrow at 9am")
	if err != nil {
		t.Fatalf("ModifyDraft: %v", err)
	}
	if len(changed) != 1 || changed[0] != "time" {
		t.Fatalf("changed = %v, want [time]", changed)
	}

	receipt, err := f.exec.ConfirmDraft("cli", out.Draft.DraftID)
	if err != nil {
		t.Fatalf("ConfirmDraft: %v", err)
	}
	want := time.Date(2026, 1, 21, 9, 0, 0, 0, time.UTC).Unix()
	if receipt.DueAt != want {
		t.Errorf("due = %d, want %d", receipt.DueAt, want)
	}

	// Подтверждённый черновик исчезает из списка живых.
	live, err := f.exec.Drafts("cli")
	if err != nil {
		t.Fatalf("Drafts: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("live drafts = %d, want 0", len(live))
	}
}

func TestCreateFromTextRejectsNonReminder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.exec.CreateFromText(context.Background(), "cli", "good morning"); !errors.Is(err, shared.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestActionDone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.insertFired(t, "standup")

	after, err := f.exec.Action(context.Background(), "cli", id, commands.ActionDone)
	if err != nil {
		t.Fatalf("Action: %v", err)
	}
	if after.Status != "acknowledged" {
		t.Errorf("status = %q, want acknowledged", after.Status)
	}
	if after.UndoToken == "" {
		t.Error("action receipt has no undo token")
	}
}

func TestActionDoneRequiresFired(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	receipt := f.createDue(t, "future", f.now.Add(time.Hour))

	if _, err := f.exec.Action(context.Background(), "cli", receipt.ID, commands.ActionDone); !errors.Is(err, shared.ErrState) {
		t.Errorf("err = %v, want ErrState", err)
	}
}

func TestActionSnoozeResetsAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.insertFired(t, "laundry")

	after, err := f.exec.Action(context.Background(), "cli", id, "SNOOZE_15")
	if err != nil {
		t.Fatalf("Action: %v", err)
	}
	if after.Status != "scheduled" {
		t.Errorf("status = %q, want scheduled", after.Status)
	}
	if after.DueAt != f.now.Add(15*time.Minute).Unix() {
		t.Errorf("due = %d, want now+15m", after.DueAt)
	}

	got, err := f.exec.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AttemptCount != 0 || got.SentAt != nil {
		t.Errorf("attempts=%d sent_at=%v, want reset", got.AttemptCount, got.SentAt)
	}
}

func TestActionDelayFromScheduled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	receipt := f.createDue(t, "review", f.now.Add(time.Hour))

	after, err := f.exec.Action(context.Background(), "cli", receipt.ID, "DELAY_2H")
	if err != nil {
		t.Fatalf("Action: %v", err)
	}
	if after.DueAt != f.now.Add(2*time.Hour).Unix() {
		t.Errorf("due = %d, want now+2h", after.DueAt)
	}
}

func TestActionUnknownCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	receipt := f.createDue(t, "x", f.now.Add(time.Hour))
	if _, err := f.exec.Action(context.Background(), "cli", receipt.ID, "SNOOZE_7"); !errors.Is(err, shared.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestUndoCreateDeletesReminder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	receipt := f.createDue(t, "oops", f.now.Add(time.Hour))

	res, err := f.exec.Undo("cli", receipt.UndoToken)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if res.Operation != ledger.OpCreate || res.EntityID != receipt.ID {
		t.Errorf("result = %+v", res)
	}
	if _, err := f.exec.Get(receipt.ID); !errors.Is(err, shared.ErrNotFound) {
		t.Errorf("Get after undo err = %v, want ErrNotFound", err)
	}

	// Повторный откат того же токена — ошибка состояния.
	if _, err := f.exec.Undo("cli", receipt.UndoToken); !errors.Is(err, shared.ErrState) {
		t.Errorf("double undo err = %v, want ErrState", err)
	}

	// Откат отката возвращает напоминание.
	if res.UndoToken == "" {
		t.Fatal("undo result has no token")
	}
	redo, err := f.exec.Undo("cli", res.UndoToken)
	if err != nil {
		t.Fatalf("Undo of undo: %v", err)
	}
	if redo.RestoredTo != "scheduled" {
		t.Errorf("restored to %q, want scheduled", redo.RestoredTo)
	}
	if _, err := f.exec.Get(receipt.ID); err != nil {
		t.Errorf("reminder not restored: %v", err)
	}
}

func TestUndoLastRestoresCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	receipt := f.createDue(t, "keep me", f.now.Add(time.Hour))

	if _, err := f.exec.Cancel("cli", receipt.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	res, err := f.exec.UndoLast("cli")
	if err != nil {
		t.Fatalf("UndoLast: %v", err)
	}
	if res.Operation != ledger.OpUpdate || res.RestoredTo != "scheduled" {
		t.Errorf("result = %+v, want update reversed to scheduled", res)
	}
	got, err := f.exec.Get(receipt.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != reminders.StatusScheduled || got.CanceledAt != nil {
		t.Errorf("restored = status %q canceled_at %v", got.Status, got.CanceledAt)
	}
}

func TestUndoRestoresExactSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	receipt := f.createDue(t, "water plants", f.now.Add(time.Hour))
	before, err := f.exec.Get(receipt.ID)
	if err != nil {
		t.Fatalf("Get before: %v", err)
	}

	act, err := f.exec.Action(context.Background(), "cli", receipt.ID, "DELAY_2H")
	if err != nil {
		t.Fatalf("Action: %v", err)
	}
	if _, err := f.exec.Undo("cli", act.UndoToken); err != nil {
		t.Fatalf("Undo: %v", err)
	}

	// Откат возвращает снимок "до" как есть, без новых записей аудита.
	got, err := f.exec.Get(receipt.ID)
	if err != nil {
		t.Fatalf("Get after: %v", err)
	}
	if !reflect.DeepEqual(got, before) {
		t.Errorf("restored reminder differs:\n got %+v\nwant %+v", got, before)
	}
}

func TestUndoExpiredToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	receipt := f.createDue(t, "old", f.now.Add(time.Hour))

	*f.now = f.now.Add(31 * time.Minute)
	if _, err := f.exec.Undo("cli", receipt.UndoToken); !errors.Is(err, shared.ErrGone) {
		t.Errorf("err = %v, want ErrGone", err)
	}
	if _, err := f.exec.UndoLast("cli"); !errors.Is(err, shared.ErrNotFound) {
		t.Errorf("UndoLast err = %v, want ErrNotFound", err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	// Heartbeat ещё не писался: статус degraded.
	h, err := f.exec.Health()
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "degraded" || h.Scheduler.IsAlive {
		t.Errorf("empty health = %+v, want degraded", h)
	}

	if err := f.store.WriteHeartbeat(reminders.Heartbeat{LastPollTS: f.now.Add(-3 * time.Second).Unix()}); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	f.createDue(t, "next", f.now.Add(time.Hour))

	h, err = f.exec.Health()
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || !h.Scheduler.IsAlive || h.Scheduler.HeartbeatAgeSec != 3 {
		t.Errorf("health = %+v, want ok/alive/age 3", h)
	}
	if h.Reminders.ScheduledCount != 1 || h.Reminders.NextDueInSec != 3600 {
		t.Errorf("reminders = %+v", h.Reminders)
	}

	// Протухший heartbeat (больше трёх интервалов) — снова degraded.
	if err := f.store.WriteHeartbeat(reminders.Heartbeat{LastPollTS: f.now.Add(-16 * time.Second).Unix()}); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	h, err = f.exec.Health()
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "degraded" || h.Scheduler.IsAlive {
		t.Errorf("stale health = %+v, want degraded", h)
	}
}

func TestSetPreferencesValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.exec.SetPreferences("cli", commands.Preferences{DefaultLaterTime: "25:99"}); !errors.Is(err, shared.ErrValidation) {
		t.Errorf("bad clock err = %v, want ErrValidation", err)
	}
	if err := f.exec.SetPreferences("cli", commands.Preferences{DefaultLaterTime: "19:00", DefaultPriority: 8}); err != nil {
		t.Fatalf("SetPreferences: %v", err)
	}
	got := f.exec.Preferences("cli")
	if got.DefaultLaterTime != "19:00" || got.DefaultPriority != 8 {
		t.Errorf("prefs = %+v", got)
	}
}

func TestPreferredPriorityAppliesToParsedText(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.exec.SetPreferences("cli", commands.Preferences{DefaultPriority: 9}); err != nil {
		t.Fatalf("SetPreferences: %v", err)
	}

	out, err := f.exec.CreateFromText(context.Background(), "cli", "remind me to stretch tomorrow at 10am")
	if err != nil {
		t.Fatalf("CreateFromText: %v", err)
	}
	if out.Receipt == nil {
		t.Fatalf("outcome = %+v, want receipt", out)
	}
	if out.Receipt.Priority != 9 {
		t.Errorf("priority = %d, want session default 9", out.Receipt.Priority)
	}
}

func TestFlushForwardsToScheduler(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exec.Flush("console flush")
	if len(f.flush.reasons) != 1 || f.flush.reasons[0] != "console flush" {
		t.Errorf("flush reasons = %v", f.flush.reasons)
	}
}
