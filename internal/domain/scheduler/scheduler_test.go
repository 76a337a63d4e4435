package scheduler_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"reminderd/internal/domain/dispatch"
	"reminderd/internal/domain/reminders"
	"reminderd/internal/domain/scheduler"
)

type fakeProvider struct {
	name   string
	result dispatch.DeliveryResult
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Send(_ context.Context, _ dispatch.Notification) dispatch.DeliveryResult {
	return p.result
}

func openStore(t *testing.T) *reminders.Store {
	t.Helper()
	s, err := reminders.Open(filepath.Join(t.TempDir(), "reminders.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitFor опрашивает условие до таймаута: тик выполняется в фоне планировщика.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func startScheduler(t *testing.T, store *reminders.Store, router *dispatch.Router, maxAttempts int, now time.Time) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Options{
		Store:       store,
		Router:      router,
		Interval:    time.Hour, // тики только по TickNow
		MaxAttempts: maxAttempts,
		Clock:       func() time.Time { return now },
	})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s
}

func TestBackoffTable(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.Options{Store: nil, Router: nil, MaxAttempts: 3})
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Minute},
		{attempt: 2, want: 2 * time.Minute},
		{attempt: 3, want: 4 * time.Minute},
		{attempt: 0, want: time.Minute},      // снизу прижимается к первой
		{attempt: 99, want: 4 * time.Minute}, // сверху — к последней
	}
	for _, tc := range cases {
		if got := s.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestTickDeliversAndKeepsFired(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	now := time.Unix(1_700_000_000, 0)
	r := reminders.Reminder{Message: "call mom", DueAt: now.Add(-time.Minute).Unix(), Channels: []string{"ntfy"}}
	if err := store.Insert(&r, now, reminders.ActorUser); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	router := dispatch.NewRouter(&fakeProvider{name: "ntfy", result: dispatch.DeliveryResult{OK: true, MessageID: "m1"}})
	s := startScheduler(t, store, router, 3, now)
	s.TickNow("test")

	waitFor(t, func() bool {
		got, err := store.Get(r.ID)
		return err == nil && got.Status == reminders.StatusFired && len(got.AuditLog) >= 2
	})

	got, err := store.Get(r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastError != "" {
		t.Errorf("last_error = %q, want empty", got.LastError)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempts = %d, want 1", got.AttemptCount)
	}
	var sawDelivery bool
	for _, e := range got.AuditLog {
		if e.Action == reminders.AuditDeliveryAttempt && e.Metadata["channel"] == "ntfy" && e.Metadata["ok"] == "true" {
			sawDelivery = true
			if e.Metadata["message_id"] != "m1" {
				t.Errorf("message_id = %q", e.Metadata["message_id"])
			}
		}
	}
	if !sawDelivery {
		t.Errorf("no per-channel delivery audit in %+v", got.AuditLog)
	}

	waitFor(t, func() bool {
		hb, err := store.ReadHeartbeat()
		return err == nil && hb.LastPollTS == now.Unix() && hb.LastSuccess == now.Unix()
	})
}

func TestTickSchedulesRetryOnFailure(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	now := time.Unix(1_700_000_000, 0)
	r := reminders.Reminder{Message: "pay rent", DueAt: now.Add(-time.Minute).Unix(), Channels: []string{"ntfy"}}
	if err := store.Insert(&r, now, reminders.ActorUser); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	router := dispatch.NewRouter(&fakeProvider{name: "ntfy", result: dispatch.DeliveryResult{OK: false, Error: "503"}})
	s := startScheduler(t, store, router, 3, now)
	s.TickNow("test")

	waitFor(t, func() bool {
		got, err := store.Get(r.ID)
		return err == nil && got.Status == reminders.StatusScheduled && got.AttemptCount == 1
	})

	got, err := store.Get(r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DueAt != now.Add(time.Minute).Unix() {
		t.Errorf("due = %d, want now+60s %d", got.DueAt, now.Add(time.Minute).Unix())
	}
	if got.SentAt != nil {
		t.Errorf("sent_at = %v, want nil after retry scheduling", got.SentAt)
	}
	if got.LastError != "503" {
		t.Errorf("last_error = %q, want 503", got.LastError)
	}
	var sawRetry bool
	for _, e := range got.AuditLog {
		if e.Action == reminders.AuditRetry {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Errorf("no retry audit in %+v", got.AuditLog)
	}

	waitFor(t, func() bool {
		hb, err := store.ReadHeartbeat()
		return err == nil && hb.LastError == "503"
	})
}

func TestTickFailsPermanentlyAtMaxAttempts(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	now := time.Unix(1_700_000_000, 0)
	r := reminders.Reminder{Message: "doomed", DueAt: now.Add(-time.Minute).Unix(), Channels: []string{"ntfy"}}
	if err := store.Insert(&r, now, reminders.ActorUser); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	router := dispatch.NewRouter(&fakeProvider{name: "ntfy", result: dispatch.DeliveryResult{OK: false, Error: "timeout"}})
	s := startScheduler(t, store, router, 1, now)
	s.TickNow("test")

	waitFor(t, func() bool {
		got, err := store.Get(r.ID)
		return err == nil && got.Status == reminders.StatusFailed
	})

	got, err := store.Get(r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastError != "timeout" {
		t.Errorf("last_error = %q", got.LastError)
	}
	var sawFail bool
	for _, e := range got.AuditLog {
		if e.Action == reminders.AuditFail {
			sawFail = true
		}
	}
	if !sawFail {
		t.Errorf("no fail audit in %+v", got.AuditLog)
	}
}

func TestTickPartialSuccessCountsAsDelivered(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	now := time.Unix(1_700_000_000, 0)
	r := reminders.Reminder{
		Message:  "multi",
		DueAt:    now.Add(-time.Minute).Unix(),
		Channels: []string{"ntfy", "voice"},
	}
	if err := store.Insert(&r, now, reminders.ActorUser); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	router := dispatch.NewRouter(
		&fakeProvider{name: "ntfy", result: dispatch.DeliveryResult{OK: false, Error: "503"}},
		&fakeProvider{name: "voice", result: dispatch.DeliveryResult{OK: true}},
	)
	s := startScheduler(t, store, router, 3, now)
	s.TickNow("test")

	waitFor(t, func() bool {
		got, err := store.Get(r.ID)
		return err == nil && got.Status == reminders.StatusFired && got.LastError == "" && len(got.AuditLog) >= 3
	})
}

func TestStartRecoversInDoubtRows(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	now := time.Unix(1_700_000_000, 0)
	r := reminders.Reminder{Message: "stuck", DueAt: now.Add(-time.Minute).Unix(), Channels: []string{"ntfy"}}
	if err := store.Insert(&r, now.Add(-time.Hour), reminders.ActorUser); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Имитация падения между захватом и доставкой.
	if _, err := store.ClaimDue(now.Add(-30*time.Second), 10); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}

	router := dispatch.NewRouter(&fakeProvider{name: "ntfy", result: dispatch.DeliveryResult{OK: true}})
	startScheduler(t, store, router, 3, now)

	got, err := store.Get(r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != reminders.StatusScheduled {
		t.Fatalf("status = %q, want scheduled after recovery", got.Status)
	}
	if got.DueAt != now.Add(time.Minute).Unix() {
		t.Errorf("due = %d, want now+backoff(1)", got.DueAt)
	}
}
