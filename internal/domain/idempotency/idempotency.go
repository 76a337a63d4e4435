// Пакет idempotency — долговечное хранилище ключей дедупликации с TTL.
// Им пользуются два независимых потребителя: путь создания напоминаний
// (внешние повторы дропаются на 7 суток) и колбэки действий (повтор в течение
// минуты получает записанный ранее ответ байт в байт). Ключи живут в одном
// bbolt-файле; фоновая уборка снимает истёкшие записи раз в час.
package idempotency

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"reminderd/internal/infra/logger"
	"reminderd/internal/infra/storage"
)

// sweepInterval — периодичность фоновой уборки истёкших ключей.
const sweepInterval = time.Hour

var bucketKeys = []byte("keys")

// record — on-disk формат одной записи.
type record struct {
	FirstSeenAt int64           `json:"first_seen_at"`
	TTLExpiry   int64           `json:"ttl_expiry"`
	Response    json.RawMessage `json:"response,omitempty"`
}

// Store — bbolt-хранилище ключей дедупликации.
type Store struct {
	db *bbolt.DB
}

// Open открывает (создавая при необходимости) файл хранилища.
func Open(path string) (*Store, error) {
	db, err := storage.OpenBolt(path)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeys)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init idempotency db")
	}
	return &Store{db: db}, nil
}

// Close закрывает файл базы.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reserve атомарно резервирует ключ на ttl. Если ключ уже занят и не истёк,
// возвращает duplicate=true и записанный ранее ответ (может быть nil, если
// первый вызов ещё не успел его сохранить). Истёкший ключ перезанимается.
func (s *Store) Reserve(key string, now time.Time, ttl time.Duration) (duplicate bool, prior []byte, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if v := b.Get([]byte(key)); v != nil {
			var rec record
			if decodeErr := json.Unmarshal(v, &rec); decodeErr == nil && rec.TTLExpiry > now.Unix() {
				duplicate = true
				prior = append([]byte(nil), rec.Response...)
				return nil
			}
		}
		data, encodeErr := json.Marshal(record{
			FirstSeenAt: now.Unix(),
			TTLExpiry:   now.Add(ttl).Unix(),
		})
		if encodeErr != nil {
			return errors.Wrap(encodeErr, "encode idempotency record")
		}
		return b.Put([]byte(key), data)
	})
	return duplicate, prior, err
}

// Release снимает резерв ключа. Вызывается, когда операция после Reserve
// не дошла до коммита: несостоявшаяся попытка не должна блокировать честный
// повтор. Отсутствие ключа не считается ошибкой.
func (s *Store) Release(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKeys).Delete([]byte(key))
	})
}

// StoreResponse дописывает к занятому ключу ответ, который будет возвращён
// дубликатам. Отсутствие ключа не считается ошибкой (он мог истечь).
func (s *Store) StoreResponse(key string, response []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return errors.Wrap(err, "decode idempotency record")
		}
		rec.Response = append([]byte(nil), response...)
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "encode idempotency record")
		}
		return b.Put([]byte(key), data)
	})
}

// Sweep удаляет истёкшие ключи и возвращает их число.
func (s *Store) Sweep(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		cur := b.Cursor()
		var stale [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil || rec.TTLExpiry <= now.Unix() {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// StartSweeper запускает фоновую уборку раз в час до отмены ctx.
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
					logger.Errorf("idempotency: sweep failed: %v", err)
				} else if n > 0 {
					logger.Debugf("idempotency: swept %d expired key(s)", n)
				}
			}
		}
	}()
}

// CreateKey строит детерминированный ключ дедупликации для пути создания,
// когда вызывающий не передал свой: FNV-1a от (message, due_at, channels).
func CreateKey(message string, dueAt int64, channels []string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(message))
	_, _ = fmt.Fprintf(h, "|%d|%s", dueAt, strings.Join(channels, ","))
	return fmt.Sprintf("create:%016x", h.Sum64())
}

// CallbackKey строит ключ дедупликации колбэка действия.
func CallbackKey(reminderID uint64, action string) string {
	return fmt.Sprintf("cb:%d:%s", reminderID, action)
}
