package prefs_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/go-faster/errors"

	"reminderd/internal/domain/prefs"
	"reminderd/internal/shared"
)

func TestGetUnknownSessionReturnsDefaults(t *testing.T) {
	t.Parallel()

	s, err := prefs.NewService(filepath.Join(t.TempDir(), "prefs.json"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer func() { _ = s.Stop() }()

	got := s.Get("ghost")
	want := prefs.Defaults()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Get = %+v, want defaults %+v", got, want)
	}
}

func TestSetValidatesAndFillsDefaults(t *testing.T) {
	t.Parallel()

	s, err := prefs.NewService(filepath.Join(t.TempDir(), "prefs.json"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer func() { _ = s.Stop() }()

	// Частично заполненный PUT добивается дефолтами.
	if err := s.Set("cli", prefs.Preferences{DefaultPriority: 7}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got := s.Get("cli")
	if got.DefaultPriority != 7 {
		t.Errorf("priority = %d, want 7", got.DefaultPriority)
	}
	if len(got.DefaultChannels) != 1 || got.DefaultChannels[0] != "ntfy" {
		t.Errorf("channels = %v, want default [ntfy]", got.DefaultChannels)
	}
	if got.DefaultLaterTime != prefs.DefaultLaterTime || got.BriefingTime != prefs.BriefingTime {
		t.Errorf("times = %q/%q, want defaults", got.DefaultLaterTime, got.BriefingTime)
	}

	if err := s.Set("cli", prefs.Preferences{DefaultPriority: 11}); !errors.Is(err, shared.ErrValidation) {
		t.Errorf("Set out-of-range err = %v, want ErrValidation", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()

	s, err := prefs.NewService(filepath.Join(t.TempDir(), "prefs.json"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer func() { _ = s.Stop() }()

	if err := s.Set("cli", prefs.Preferences{DefaultChannels: []string{"ntfy", "voice"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got := s.Get("cli")
	got.DefaultChannels[0] = "mutated"

	if again := s.Get("cli"); again.DefaultChannels[0] != "ntfy" {
		t.Error("Get exposed internal slice")
	}
}

func TestStopFlushesPendingWrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prefs.json")
	s, err := prefs.NewService(path)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	s.Start()
	if err := s.Set("cli", prefs.Preferences{DefaultPriority: 9}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Дебаунс ещё не истёк; Stop обязан дописать снимок.
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var sessions map[string]prefs.Preferences
	if err := json.Unmarshal(data, &sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sessions["cli"].DefaultPriority != 9 {
		t.Errorf("persisted = %+v, want cli priority 9", sessions)
	}
}

func TestPersistedPrefsSurviveReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prefs.json")
	s, err := prefs.NewService(path)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	s.Start()
	if err := s.Set("api", prefs.Preferences{DefaultTopic: "work", DefaultPriority: 4}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	reopened, err := prefs.NewService(path)
	if err != nil {
		t.Fatalf("NewService reopen: %v", err)
	}
	defer func() { _ = reopened.Stop() }()
	got := reopened.Get("api")
	if got.DefaultTopic != "work" || got.DefaultPriority != 4 {
		t.Errorf("reopened = %+v", got)
	}
}

func TestCorruptFileIsHealed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prefs.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := prefs.NewService(path)
	if err != nil {
		t.Fatalf("NewService on corrupt file: %v", err)
	}
	defer func() { _ = s.Stop() }()

	if got := s.Get("any"); !reflect.DeepEqual(got, prefs.Defaults()) {
		t.Errorf("Get after heal = %+v, want defaults", got)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var sessions map[string]prefs.Preferences
	if err := json.Unmarshal(data, &sessions); err != nil {
		t.Errorf("healed file still corrupt: %v (%q)", err, data)
	}
}
