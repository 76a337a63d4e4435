// Пакет ledger — журнал действий пользователя с поддержкой undo. Каждое
// зафиксированное изменение состояния (create/update/delete напоминания)
// получает запись со снимками "до" и "после" и коротким undo-токеном с
// ограниченным окном действия. Сам откат выполняет слой команд: журнал
// только хранит записи и помечает их отменёнными.
package ledger

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"reminderd/internal/infra/storage"
	"reminderd/internal/shared"
)

// Операции журнала.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpUndo   = "undo"
)

// tokenAlphabet — 32 буквы без визуально неоднозначных (I, O, 0, 1).
const tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// TokenLength — длина undo-токена в символах.
const TokenLength = 8

// Раскладка ledger.db:
//
//	entries  action_id -> JSON записи
//	tokens   undo_token -> action_id
//	sessions session | 0x00 | ts BE | action_id -> action_id
//
// Индекс sessions даёт обратный обход записей сессии по времени для UndoLast.
var (
	bucketEntries  = []byte("entries")
	bucketTokens   = []byte("tokens")
	bucketSessions = []byte("sessions")
)

// Entry — одна запись журнала. Снимки хранятся сырыми байтами JSON, чтобы
// откат восстанавливал состояние байт в байт.
type Entry struct {
	ActionID       string          `json:"action_id"`
	SessionID      string          `json:"session_id"`
	TS             int64           `json:"ts"`
	EntityType     string          `json:"entity_type"`
	EntityID       uint64          `json:"entity_id"`
	Operation      string          `json:"operation"`
	BeforeSnapshot json.RawMessage `json:"before_snapshot,omitempty"`
	AfterSnapshot  json.RawMessage `json:"after_snapshot,omitempty"`
	UndoToken      string          `json:"undo_token"`
	UndoExpiry     int64           `json:"undo_expiry"`
	UndoneAt       *int64          `json:"undone_at,omitempty"`
}

// Expired сообщает, вышла ли запись за окно undo.
func (e *Entry) Expired(now time.Time) bool {
	return now.Unix() >= e.UndoExpiry
}

// Store — bbolt-хранилище журнала действий.
type Store struct {
	db     *bbolt.DB
	window time.Duration
}

// Open открывает файл журнала. window задаёт срок действия undo-токенов.
func Open(path string, window time.Duration) (*Store, error) {
	db, err := storage.OpenBolt(path)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketTokens, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init ledger db")
	}
	return &Store{db: db, window: window}, nil
}

// Close закрывает файл базы.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record фиксирует одно изменение и возвращает готовую запись с токеном.
// before/after сериализуются немедленно: дальнейшие мутации исходных структур
// на снимки не влияют.
func (s *Store) Record(sessionID, entityType string, entityID uint64, operation string, before, after any, now time.Time) (Entry, error) {
	entry := Entry{
		ActionID:   uuid.NewString(),
		SessionID:  sessionID,
		TS:         now.Unix(),
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  operation,
		UndoToken:  newToken(),
		UndoExpiry: now.Add(s.window).Unix(),
	}

	var err error
	if before != nil {
		if entry.BeforeSnapshot, err = json.Marshal(before); err != nil {
			return Entry{}, errors.Wrap(err, "encode before snapshot")
		}
	}
	if after != nil {
		if entry.AfterSnapshot, err = json.Marshal(after); err != nil {
			return Entry{}, errors.Wrap(err, "encode after snapshot")
		}
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		data, encErr := json.Marshal(&entry)
		if encErr != nil {
			return errors.Wrap(encErr, "encode ledger entry")
		}
		if putErr := tx.Bucket(bucketEntries).Put([]byte(entry.ActionID), data); putErr != nil {
			return errors.Wrap(putErr, "put ledger entry")
		}
		if putErr := tx.Bucket(bucketTokens).Put([]byte(entry.UndoToken), []byte(entry.ActionID)); putErr != nil {
			return errors.Wrap(putErr, "index token")
		}
		key := sessionKey(entry.SessionID, entry.TS, entry.ActionID)
		return tx.Bucket(bucketSessions).Put(key, []byte(entry.ActionID))
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// FindByToken возвращает запись по undo-токену. Истёкшая запись отдаётся с
// ошибкой ErrGone, уже отменённая — с ErrState.
func (s *Store) FindByToken(token string, now time.Time) (Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketTokens).Get([]byte(token))
		if id == nil {
			return errors.Wrapf(shared.ErrNotFound, "undo token %q", token)
		}
		v := tx.Bucket(bucketEntries).Get(id)
		if v == nil {
			return errors.Wrapf(shared.ErrNotFound, "ledger entry %s", id)
		}
		return json.Unmarshal(v, &entry)
	})
	if err != nil {
		return Entry{}, err
	}
	if entry.UndoneAt != nil {
		return Entry{}, errors.Wrapf(shared.ErrState, "action %s already undone", entry.ActionID)
	}
	if entry.Expired(now) {
		return Entry{}, errors.Wrapf(shared.ErrGone, "undo token %q", token)
	}
	return entry, nil
}

// LastForSession возвращает самую свежую неотменённую и не истёкшую запись
// сессии. Отсутствие подходящей записи — ErrNotFound.
func (s *Store) LastForSession(sessionID string, now time.Time) (Entry, error) {
	var entry Entry
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		cur := tx.Bucket(bucketSessions).Cursor()
		prefix := append([]byte(sessionID), 0)

		// Обратный обход внутри префикса сессии: от самой свежей записи.
		k, id := seekLast(cur, prefix)
		for ; k != nil && bytes.HasPrefix(k, prefix); k, id = cur.Prev() {
			v := entries.Get(id)
			if v == nil {
				continue
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.Wrap(err, "decode ledger entry")
			}
			if e.UndoneAt != nil || e.Expired(now) {
				continue
			}
			entry = e
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, errors.Wrapf(shared.ErrNotFound, "no undoable action for session %q", sessionID)
	}
	return entry, nil
}

// MarkUndone помечает запись отменённой. Повторная пометка — ошибка состояния.
func (s *Store) MarkUndone(actionID string, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		v := b.Get([]byte(actionID))
		if v == nil {
			return errors.Wrapf(shared.ErrNotFound, "ledger entry %s", actionID)
		}
		var entry Entry
		if err := json.Unmarshal(v, &entry); err != nil {
			return errors.Wrap(err, "decode ledger entry")
		}
		if entry.UndoneAt != nil {
			return errors.Wrapf(shared.ErrState, "action %s already undone", actionID)
		}
		ts := now.Unix()
		entry.UndoneAt = &ts
		data, err := json.Marshal(&entry)
		if err != nil {
			return errors.Wrap(err, "encode ledger entry")
		}
		return b.Put([]byte(actionID), data)
	})
}

// seekLast ставит курсор на последний ключ с данным префиксом.
func seekLast(cur *bbolt.Cursor, prefix []byte) ([]byte, []byte) {
	// Seek на префикс+0xFF... недостижим; идём на следующий за префиксом ключ
	// и отступаем назад.
	upper := append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	k, v := cur.Seek(upper)
	if k == nil {
		return cur.Last()
	}
	if bytes.HasPrefix(k, prefix) {
		return k, v
	}
	return cur.Prev()
}

// sessionKey строит ключ индекса сессий: session | 0x00 | ts BE | action_id.
func sessionKey(sessionID string, ts int64, actionID string) []byte {
	key := make([]byte, 0, len(sessionID)+1+8+len(actionID))
	key = append(key, sessionID...)
	key = append(key, 0)
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], uint64(ts))
	key = append(key, tsb[:]...)
	key = append(key, actionID...)
	return key
}

// newToken генерирует 8-символьный токен из 32-буквенного алфавита.
// crypto/rand: токен является единственным фактором авторизации отката.
func newToken() string {
	buf := make([]byte, TokenLength)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read из crypto/rand не возвращает ошибок на поддерживаемых ОС.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf)
}
