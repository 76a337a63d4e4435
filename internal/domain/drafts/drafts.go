// Пакет drafts — хранилище черновиков, ожидающих подтверждения. Черновик
// появляется, когда распознанному интенту не хватает данных (нет времени)
// или настройки требуют явного подтверждения. Живёт он ограниченное время;
// до подтверждения его можно править только через экстракторы Modify —
// прямая перезапись полей снаружи не предусмотрена.
package drafts

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"reminderd/internal/domain/intent"
	"reminderd/internal/infra/logger"
	"reminderd/internal/infra/storage"
	"reminderd/internal/shared"
)

// sweepInterval — периодичность фоновой уборки истёкших черновиков.
const sweepInterval = time.Minute

// Раскладка pending.db:
//
//	drafts   draft_id -> JSON черновика
//	sessions session | 0x00 | ts BE | draft_id -> draft_id
var (
	bucketDrafts   = []byte("drafts")
	bucketSessions = []byte("sessions")
)

// Draft — один черновик. Intent хранится целиком: Confirm отдаёт его слою
// команд без повторного разбора текста.
type Draft struct {
	DraftID            string                `json:"draft_id"`
	SessionID          string                `json:"session_id"`
	CreatedAt          int64                 `json:"created_at"`
	ExpiresAt          int64                 `json:"expires_at"`
	OriginalText       string                `json:"original_text"`
	Intent             intent.ReminderIntent `json:"intent"`
	ClarifyingQuestion string                `json:"clarifying_question,omitempty"`
	CommittedAt        *int64                `json:"committed_at,omitempty"`
}

// Expired сообщает, вышел ли черновик за срок жизни.
func (d *Draft) Expired(now time.Time) bool {
	return now.Unix() >= d.ExpiresAt
}

// Store — bbolt-хранилище черновиков.
type Store struct {
	db  *bbolt.DB
	ttl time.Duration
}

// Open открывает файл черновиков. ttl задаёт срок жизни каждого черновика.
func Open(path string, ttl time.Duration) (*Store, error) {
	db, err := storage.OpenBolt(path)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDrafts, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init drafts db")
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Close закрывает файл базы.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create сохраняет новый черновик и возвращает его.
func (s *Store) Create(sessionID, originalText string, ri *intent.ReminderIntent, now time.Time) (Draft, error) {
	draft := Draft{
		DraftID:            uuid.NewString(),
		SessionID:          sessionID,
		CreatedAt:          now.Unix(),
		ExpiresAt:          now.Add(s.ttl).Unix(),
		OriginalText:       originalText,
		Intent:             *ri,
		ClarifyingQuestion: ri.ClarifyingQuestion,
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putDraft(tx, &draft)
	})
	if err != nil {
		return Draft{}, err
	}
	logger.Debugf("Drafts: created %s for session %q", draft.DraftID, sessionID)
	return draft, nil
}

// Get возвращает живой черновик. Истёкший отдаётся с ErrExpired, уже
// подтверждённый — с ErrState.
func (s *Store) Get(draftID string, now time.Time) (Draft, error) {
	var draft Draft
	err := s.db.View(func(tx *bbolt.Tx) error {
		return readDraft(tx, draftID, &draft)
	})
	if err != nil {
		return Draft{}, err
	}
	if draft.CommittedAt != nil {
		return Draft{}, errors.Wrapf(shared.ErrState, "draft %s already confirmed", draftID)
	}
	if draft.Expired(now) {
		return Draft{}, errors.Wrapf(shared.ErrExpired, "draft %s", draftID)
	}
	return draft, nil
}

// ListForSession возвращает живые черновики сессии от новых к старым.
func (s *Store) ListForSession(sessionID string, now time.Time) ([]Draft, error) {
	var out []Draft
	err := s.db.View(func(tx *bbolt.Tx) error {
		draftsB := tx.Bucket(bucketDrafts)
		cur := tx.Bucket(bucketSessions).Cursor()
		prefix := append([]byte(sessionID), 0)
		var live []Draft
		for k, id := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = cur.Next() {
			v := draftsB.Get(id)
			if v == nil {
				continue
			}
			var d Draft
			if err := json.Unmarshal(v, &d); err != nil {
				return errors.Wrap(err, "decode draft")
			}
			if d.CommittedAt != nil || d.Expired(now) {
				continue
			}
			live = append(live, d)
		}
		// Индекс отдаёт по возрастанию времени; наружу — свежие первыми.
		for i := len(live) - 1; i >= 0; i-- {
			out = append(out, live[i])
		}
		return nil
	})
	return out, err
}

// Confirm помечает черновик подтверждённым и возвращает его финальное
// состояние. Запись в основное хранилище и журнал делает слой команд.
func (s *Store) Confirm(draftID string, now time.Time) (Draft, error) {
	var draft Draft
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := readDraft(tx, draftID, &draft); err != nil {
			return err
		}
		if draft.CommittedAt != nil {
			return errors.Wrapf(shared.ErrState, "draft %s already confirmed", draftID)
		}
		if draft.Expired(now) {
			return errors.Wrapf(shared.ErrExpired, "draft %s", draftID)
		}
		ts := now.Unix()
		draft.CommittedAt = &ts
		return putDraft(tx, &draft)
	})
	if err != nil {
		return Draft{}, err
	}
	return draft, nil
}

// Modify патчит черновик экстракторами по тексту пользователя и возвращает
// обновлённый черновик со списком изменённых полей. Текст без единого
// распознанного уточнения — ошибка валидации: молча проглатывать правку
// нельзя.
func (s *Store) Modify(draftID, text string, now time.Time, loc *time.Location) (Draft, []string, error) {
	var (
		draft   Draft
		changed []string
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := readDraft(tx, draftID, &draft); err != nil {
			return err
		}
		if draft.CommittedAt != nil {
			return errors.Wrapf(shared.ErrState, "draft %s already confirmed", draftID)
		}
		if draft.Expired(now) {
			return errors.Wrapf(shared.ErrExpired, "draft %s", draftID)
		}
		changed = applyExtractors(&draft.Intent, text, now, loc)
		if len(changed) == 0 {
			return errors.Wrapf(shared.ErrValidation, "no modification recognized in %q", text)
		}
		// Если правка добила недостающее время — уточнение снимается.
		if draft.Intent.DueAt != nil {
			draft.Intent.NeedsClarification = false
			draft.Intent.ClarifyingQuestion = ""
			draft.ClarifyingQuestion = ""
		}
		return putDraft(tx, &draft)
	})
	if err != nil {
		return Draft{}, nil, err
	}
	logger.Debugf("Drafts: modified %s fields=%v", draftID, changed)
	return draft, changed, nil
}

// Sweep удаляет истёкшие и подтверждённые черновики, возвращает число
// удалённых.
func (s *Store) Sweep(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		draftsB := tx.Bucket(bucketDrafts)
		sessionsB := tx.Bucket(bucketSessions)

		var stale []Draft
		cur := draftsB.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var d Draft
			if err := json.Unmarshal(v, &d); err != nil {
				// Нечитаемую запись лучше убрать, чем вечно спотыкаться.
				stale = append(stale, Draft{DraftID: string(k)})
				continue
			}
			if d.CommittedAt != nil || d.Expired(now) {
				stale = append(stale, d)
			}
		}
		for _, d := range stale {
			if err := draftsB.Delete([]byte(d.DraftID)); err != nil {
				return err
			}
			if d.SessionID != "" {
				if err := sessionsB.Delete(sessionKey(d.SessionID, d.CreatedAt, d.DraftID)); err != nil {
					return err
				}
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// StartSweeper запускает фоновую уборку до закрытия done.
func (s *Store) StartSweeper(done <-chan struct{}, clock func() time.Time) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if n, err := s.Sweep(clock()); err != nil {
					logger.Errorf("Drafts: sweep failed: %v", err)
				} else if n > 0 {
					logger.Debugf("Drafts: swept %d draft(s)", n)
				}
			}
		}
	}()
}

func putDraft(tx *bbolt.Tx, d *Draft) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode draft")
	}
	if err := tx.Bucket(bucketDrafts).Put([]byte(d.DraftID), data); err != nil {
		return errors.Wrap(err, "put draft")
	}
	key := sessionKey(d.SessionID, d.CreatedAt, d.DraftID)
	return tx.Bucket(bucketSessions).Put(key, []byte(d.DraftID))
}

func readDraft(tx *bbolt.Tx, draftID string, out *Draft) error {
	v := tx.Bucket(bucketDrafts).Get([]byte(draftID))
	if v == nil {
		return errors.Wrapf(shared.ErrNotFound, "draft %s", draftID)
	}
	return json.Unmarshal(v, out)
}

// sessionKey строит ключ индекса сессий: session | 0x00 | ts BE | draft_id.
func sessionKey(sessionID string, ts int64, draftID string) []byte {
	key := make([]byte, 0, len(sessionID)+1+8+len(draftID))
	key = append(key, sessionID...)
	key = append(key, 0)
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], uint64(ts))
	key = append(key, tsb[:]...)
	key = append(key, draftID...)
	return key
}
