// Пакет prefs — пер-сессионные предпочтения пользователя поверх одного
// JSON-файла. Чтение идёт из памяти; запись — через фоновый воркер с
// дебаунсом и атомарным переписыванием файла, чтобы бурст правок не
// молотил диск. Битый файл лечится дефолтами с предупреждением в лог.
package prefs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"reminderd/internal/infra/logger"
	"reminderd/internal/infra/storage"
	"reminderd/internal/shared"
)

// persistDebounce — пауза между последней правкой и записью на диск.
const persistDebounce = 2 * time.Second

// Дефолты новой сессии.
const (
	DefaultPriority  = 5
	DefaultLaterTime = "18:30"
	BriefingTime     = "07:30"
)

// Preferences — настройки одной сессии.
type Preferences struct {
	DefaultChannels  []string        `json:"default_channels"`
	DefaultPriority  int             `json:"default_priority"`
	DefaultTopic     string          `json:"default_topic,omitempty"`
	DefaultLaterTime string          `json:"default_later_time"`
	BriefingTime     string          `json:"briefing_time"`
	LearningFlags    map[string]bool `json:"learning_flags,omitempty"`
}

// Defaults возвращает настройки свежей сессии.
func Defaults() Preferences {
	return Preferences{
		DefaultChannels:  []string{"ntfy"},
		DefaultPriority:  DefaultPriority,
		DefaultLaterTime: DefaultLaterTime,
		BriefingTime:     BriefingTime,
	}
}

// clone делает глубокую копию: снапшоты в канал записи и наружу не должны
// делить срезы с живой картой.
func (p Preferences) clone() Preferences {
	out := p
	out.DefaultChannels = append([]string(nil), p.DefaultChannels...)
	if p.LearningFlags != nil {
		out.LearningFlags = make(map[string]bool, len(p.LearningFlags))
		for k, v := range p.LearningFlags {
			out.LearningFlags[k] = v
		}
	}
	return out
}

// Service — in-memory карта настроек с фоновым персистом.
type Service struct {
	path string

	mu       sync.RWMutex
	sessions map[string]Preferences

	updates chan map[string]Preferences
	stopCh  chan struct{}

	wg       sync.WaitGroup
	finalErr error
	errMu    sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewService читает (и при необходимости лечит) файл настроек. Фоновый
// воркер не запускается; вызовите Start().
func NewService(path string) (*Service, error) {
	clean := filepath.Clean(path)
	sessions, err := loadFile(clean)
	if err != nil {
		return nil, err
	}
	return &Service{
		path:     clean,
		sessions: sessions,
		updates:  make(chan map[string]Preferences, 1),
		stopCh:   make(chan struct{}),
	}, nil
}

// loadFile читает файл настроек. Отсутствующий или пустой файл — пустая
// карта; битый JSON лечится: файл переписывается пустой картой.
func loadFile(path string) (map[string]Preferences, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) || len(data) == 0 {
		return make(map[string]Preferences), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read prefs file")
	}
	var sessions map[string]Preferences
	if err := json.Unmarshal(data, &sessions); err != nil {
		logger.Warnf("Prefs: failed to decode %s: %v; rewriting empty", path, err)
		if writeErr := storage.AtomicWriteFile(path, []byte("{}\n")); writeErr != nil {
			return nil, errors.Wrap(writeErr, "rewrite prefs file")
		}
		return make(map[string]Preferences), nil
	}
	if sessions == nil {
		sessions = make(map[string]Preferences)
	}
	return sessions, nil
}

// Start запускает persist-воркер. Повторные вызовы игнорируются.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.wg.Go(func() {
			s.loop()
		})
	})
}

// Stop завершает фоновую запись, дописав отложенный снимок.
// Возвращает первую ошибку записи, если была.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// Get возвращает настройки сессии; для незнакомой сессии — дефолты.
func (s *Service) Get(sessionID string) Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.sessions[sessionID]; ok {
		return p.clone()
	}
	return Defaults()
}

// Set валидирует и сохраняет настройки сессии, ставя снимок в очередь
// на запись.
func (s *Service) Set(sessionID string, p Preferences) error {
	if err := validate(&p); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[sessionID] = p.clone()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.schedulePersist(snapshot)
	return nil
}

// validate нормализует и проверяет значения. Пустые поля добиваются
// дефолтами, чтобы частичный PUT не обнулял остальное.
func validate(p *Preferences) error {
	if len(p.DefaultChannels) == 0 {
		p.DefaultChannels = []string{"ntfy"}
	}
	if p.DefaultPriority == 0 {
		p.DefaultPriority = DefaultPriority
	}
	if p.DefaultPriority < 1 || p.DefaultPriority > 10 {
		return errors.Wrapf(shared.ErrValidation, "default_priority %d out of range 1..10", p.DefaultPriority)
	}
	if p.DefaultLaterTime == "" {
		p.DefaultLaterTime = DefaultLaterTime
	}
	if p.BriefingTime == "" {
		p.BriefingTime = BriefingTime
	}
	return nil
}

// snapshotLocked клонирует карту целиком; вызывается под mu.
func (s *Service) snapshotLocked() map[string]Preferences {
	out := make(map[string]Preferences, len(s.sessions))
	for k, v := range s.sessions {
		out[k] = v.clone()
	}
	return out
}

// schedulePersist держит в буфере только последний снимок: устаревший
// заменяется без блокировки вызывающего.
func (s *Service) schedulePersist(snapshot map[string]Preferences) {
	for {
		select {
		case <-s.stopCh:
			return
		case s.updates <- snapshot:
			return
		default:
			select {
			case <-s.stopCh:
				return
			case <-s.updates:
			default:
			}
		}
	}
}

// loop — persist-воркер: копит pending, перезапускает таймер дебаунса,
// пишет по таймеру или на остановке.
func (s *Service) loop() {
	var pending map[string]Preferences

	timer := time.NewTimer(persistDebounce)
	timer.Stop()

	defer logger.Debug("Prefs: persist loop exited")

	for {
		select {
		case snapshot := <-s.updates:
			pending = snapshot
			stopAndDrainTimer(timer)
			timer.Reset(persistDebounce)

		case <-timer.C:
			s.consumePending(&pending)

		case <-s.stopCh:
			stopAndDrainTimer(timer)
			s.consumePending(&pending)
			return
		}
	}
}

func stopAndDrainTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func (s *Service) consumePending(pending *map[string]Preferences) {
	if *pending == nil {
		return
	}
	if err := s.write(*pending); err != nil {
		s.errMu.Lock()
		if s.finalErr == nil {
			s.finalErr = err
		}
		s.errMu.Unlock()
		logger.Errorf("Prefs: persist failed: %v", err)
	}
	*pending = nil
}

func (s *Service) write(sessions map[string]Preferences) error {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode prefs")
	}
	return storage.AtomicWriteFile(s.path, data)
}
