package ntfy_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"reminderd/internal/adapters/ntfy"
	"reminderd/internal/domain/dispatch"
)

func TestMapPriority(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		p    int
		kind string
		want int
	}{
		{name: "low", p: 1, kind: "REMIND", want: 2},
		{name: "lowTop", p: 3, kind: "REMIND", want: 2},
		{name: "default", p: 5, kind: "REMIND", want: 3},
		{name: "high", p: 7, kind: "REMIND", want: 4},
		{name: "highTop", p: 8, kind: "REMIND", want: 4},
		{name: "urgent", p: 9, kind: "REMIND", want: 5},
		{name: "max", p: 10, kind: "REMIND", want: 5},
		{name: "alarmOverridesLow", p: 1, kind: "ALARM", want: 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ntfy.MapPriority(tc.p, tc.kind); got != tc.want {
				t.Errorf("MapPriority(%d, %s) = %d, want %d", tc.p, tc.kind, got, tc.want)
			}
		})
	}
}

func TestSendSuccess(t *testing.T) {
	t.Parallel()

	var (
		gotPath    string
		gotTitle   string
		gotPrio    string
		gotActions string
		gotBody    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTitle = r.Header.Get("Title")
		gotPrio = r.Header.Get("Priority")
		gotActions = r.Header.Get("Actions")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte(`{"id":"msg-abc"}`))
	}))
	defer srv.Close()

	s := ntfy.NewSender(ntfy.Options{BaseURL: srv.URL, Topic: "reminders", ThrottleRPS: 100})
	res := s.Send(context.Background(), dispatch.Notification{
		ReminderID: 7,
		Kind:       "REMIND",
		Title:      "Reminderd Reminder (REMIND)",
		Body:       "call mom",
		Priority:   9,
		Actions:    ntfy.BuildActions("https://example.com", "secret", 7),
	})

	if !res.OK {
		t.Fatalf("Send failed: %+v", res)
	}
	if res.MessageID != "msg-abc" {
		t.Errorf("message id = %q", res.MessageID)
	}
	if gotPath != "/reminders" {
		t.Errorf("path = %q, want topic path", gotPath)
	}
	if gotTitle != "Reminderd Reminder (REMIND)" {
		t.Errorf("Title header = %q", gotTitle)
	}
	if gotPrio != "5" {
		t.Errorf("Priority header = %q, want 5", gotPrio)
	}
	if gotBody != "call mom" {
		t.Errorf("body = %q", gotBody)
	}
	for _, want := range []string{"Done", "Snooze 30m", "Delay 2h", "method=POST", "https://example.com/api/reminders/7/action", `"token":"secret"`} {
		if !strings.Contains(gotActions, want) {
			t.Errorf("Actions header %q missing %q", gotActions, want)
		}
	}
}

func TestSendAlarmHeaders(t *testing.T) {
	t.Parallel()

	var gotPrio, gotTags string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrio = r.Header.Get("Priority")
		gotTags = r.Header.Get("Tags")
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	s := ntfy.NewSender(ntfy.Options{BaseURL: srv.URL, Topic: "t", ThrottleRPS: 100})
	res := s.Send(context.Background(), dispatch.Notification{Kind: "ALARM", Priority: 2})
	if !res.OK {
		t.Fatalf("Send failed: %+v", res)
	}
	if gotPrio != "5" {
		t.Errorf("alarm priority = %q, want 5", gotPrio)
	}
	if gotTags != "alarm_clock" {
		t.Errorf("alarm tags = %q", gotTags)
	}
}

func TestSendServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := ntfy.NewSender(ntfy.Options{BaseURL: srv.URL, Topic: "t", ThrottleRPS: 100})
	res := s.Send(context.Background(), dispatch.Notification{Priority: 5})
	if res.OK {
		t.Fatal("Send reported success on 503")
	}
	if res.Error != "503" {
		t.Errorf("error = %q, want 503", res.Error)
	}
	if res.Metadata["status"] != "503" {
		t.Errorf("status metadata = %q", res.Metadata["status"])
	}
}

func TestSendMissingTopic(t *testing.T) {
	t.Parallel()

	s := ntfy.NewSender(ntfy.Options{BaseURL: "https://ntfy.sh", ThrottleRPS: 100})
	res := s.Send(context.Background(), dispatch.Notification{Priority: 5})
	if res.OK || !strings.Contains(res.Error, "topic") {
		t.Errorf("result = %+v, want topic error", res)
	}
}

func TestSendDryRunSkipsNetwork(t *testing.T) {
	t.Parallel()

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits++
	}))
	defer srv.Close()

	s := ntfy.NewSender(ntfy.Options{BaseURL: srv.URL, Topic: "t", DryRun: true, ThrottleRPS: 100})
	res := s.Send(context.Background(), dispatch.Notification{Priority: 5, Body: "x"})
	if !res.OK || !res.DryRun {
		t.Fatalf("dry-run result = %+v", res)
	}
	if hits != 0 {
		t.Errorf("dry-run performed %d network calls", hits)
	}
}

func TestBuildActionsWithoutPublicURL(t *testing.T) {
	t.Parallel()

	if got := ntfy.BuildActions("", "token", 1); got != nil {
		t.Errorf("BuildActions without public URL = %v, want nil", got)
	}
}
