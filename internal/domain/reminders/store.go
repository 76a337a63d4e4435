package reminders

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"reminderd/internal/infra/storage"
	"reminderd/internal/shared"
)

// Раскладка reminders.db:
//
//	reminders      id (uint64 BE) -> JSON строки
//	idx_status_due statusByte | dueAt BE | 255-priority | id BE -> nil
//	meta           heartbeat, schema_version
//
// Композитный ключ индекса задаёт порядок захвата без сортировки в памяти:
// внутри статуса — due по возрастанию, затем приоритет по убыванию, затем id.
var (
	bucketReminders = []byte("reminders")
	bucketIndex     = []byte("idx_status_due")
	bucketMeta      = []byte("meta")
)

var (
	metaHeartbeat     = []byte("heartbeat")
	metaSchemaVersion = []byte("schema_version")
)

// Текущая версия схемы. Версия 2 означает "каналы хранятся списком, индекс
// построен"; база младшей версии проходит миграцию при открытии.
const schemaVersion = 2

var statusCodes = map[Status]byte{
	StatusDraft:        1,
	StatusScheduled:    2,
	StatusFired:        3,
	StatusAcknowledged: 4,
	StatusSnoozed:      5,
	StatusCanceled:     6,
	StatusFailed:       7,
}

// Heartbeat — служебная строка планировщика в meta; отдаётся health-эндпойнтом.
type Heartbeat struct {
	LastPollTS  int64  `json:"last_poll_ts"`
	LastSuccess int64  `json:"last_success,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LastErrorTS int64  `json:"last_error_ts,omitempty"`
}

// Stats — сводка по запланированным напоминаниям для health-эндпойнта.
type Stats struct {
	ScheduledCount int
	NextDueAt      int64 // 0, когда запланированных нет
}

// Store — долговечное хранилище напоминаний поверх одного bbolt-файла.
// Все записи сериализуются транзакциями bbolt; читатели не блокируются.
type Store struct {
	db *bbolt.DB
}

// Open открывает (создавая при необходимости) файл хранилища и выполняет
// миграцию схемы.
func Open(path string) (*Store, error) {
	db, err := storage.OpenBolt(path)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketReminders, bucketIndex, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return migrate(tx)
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate reminders db")
	}
	return &Store{db: db}, nil
}

// Close закрывает файл базы.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate переводит базу на текущую версию схемы: переписывает дореформенную
// одноканальную колонку списком каналов и перестраивает индекс целиком.
// Повторный запуск ничего не делает.
func migrate(tx *bbolt.Tx) error {
	meta := tx.Bucket(bucketMeta)
	if v := meta.Get(metaSchemaVersion); len(v) == 8 && binary.BigEndian.Uint64(v) >= schemaVersion {
		return nil
	}

	if err := tx.DeleteBucket(bucketIndex); err != nil {
		return errors.Wrap(err, "drop index")
	}
	idx, err := tx.CreateBucket(bucketIndex)
	if err != nil {
		return errors.Wrap(err, "recreate index")
	}

	rb := tx.Bucket(bucketReminders)
	type row struct {
		key []byte
		r   Reminder
	}
	var rows []row
	cur := rb.Cursor()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		var r Reminder
		if err := json.Unmarshal(v, &r); err != nil {
			return errors.Wrapf(err, "decode reminder %d", binary.BigEndian.Uint64(k))
		}
		MigrateLegacyChannel(&r)
		if len(r.Channels) == 0 {
			r.Channels = []string{ChannelNtfy}
		}
		rows = append(rows, row{key: append([]byte(nil), k...), r: r})
	}
	for _, it := range rows {
		data, err := json.Marshal(&it.r)
		if err != nil {
			return errors.Wrap(err, "encode reminder")
		}
		if err := rb.Put(it.key, data); err != nil {
			return errors.Wrap(err, "rewrite reminder")
		}
		if err := idx.Put(indexKeyFor(&it.r), nil); err != nil {
			return errors.Wrap(err, "index reminder")
		}
	}
	return meta.Put(metaSchemaVersion, itob(schemaVersion))
}

// Insert валидирует и сохраняет новое напоминание: присваивает id, пишет
// запись аудита created и, если приоритет пришлось подрезать, системную
// запись-предупреждение.
func (s *Store) Insert(r *Reminder, now time.Time, actor string) error {
	msg, err := GuardMessage(r.Message)
	if err != nil {
		return err
	}
	r.Message = msg

	channels, err := NormalizeChannels(r.Channels)
	if err != nil {
		return err
	}
	r.Channels = channels

	if r.Kind == "" {
		r.Kind = KindRemind
	}
	if r.Kind != KindRemind && r.Kind != KindAlarm {
		return errors.Wrapf(shared.ErrValidation, "unknown kind %q", r.Kind)
	}
	if r.Status == "" {
		r.Status = StatusScheduled
	}
	if r.Status != StatusScheduled && r.Status != StatusDraft {
		return errors.Wrapf(shared.ErrValidation, "insert status %q not allowed", r.Status)
	}

	clamped, warn := ClampPriority(r.Priority)
	r.Priority = clamped

	ts := now.Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = ts
	}
	r.RecordAudit(AuditEntry{TS: ts, Action: AuditCreated, Actor: actor})
	if warn {
		r.RecordAudit(AuditEntry{
			TS: ts, Action: AuditCreated, Actor: ActorSystem,
			Details: fmt.Sprintf("priority clamped to %d", clamped),
		})
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		rb := tx.Bucket(bucketReminders)
		id, err := rb.NextSequence()
		if err != nil {
			return errors.Wrap(err, "next id")
		}
		r.ID = id
		data, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "encode reminder")
		}
		if err := rb.Put(itob(id), data); err != nil {
			return errors.Wrap(err, "put reminder")
		}
		return tx.Bucket(bucketIndex).Put(indexKeyFor(r), nil)
	})
}

// Get возвращает напоминание по id.
func (s *Store) Get(id uint64) (Reminder, error) {
	var r Reminder
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketReminders).Get(itob(id))
		if v == nil {
			return errors.Wrapf(shared.ErrNotFound, "reminder %d", id)
		}
		return json.Unmarshal(v, &r)
	})
	return r, err
}

// List возвращает напоминания в порядке захвата (due возр., приоритет убыв.,
// id возр.). status "all" снимает фильтр.
func (s *Store) List(status string) ([]Reminder, error) {
	var out []Reminder
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketReminders).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var r Reminder
			if err := json.Unmarshal(v, &r); err != nil {
				return errors.Wrap(err, "decode reminder")
			}
			if status != "all" && string(r.Status) != status {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt != out[j].DueAt {
			return out[i].DueAt < out[j].DueAt
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ClaimDue атомарно захватывает до maxN запланированных напоминаний с
// due_at <= now: переводит их в fired, наращивает attempt_count, ставит
// sent_at и пишет аудит delivery_attempt. Захваченная строка не вернётся в
// выборку повторно, даже если процесс упадёт до фактической отправки.
func (s *Store) ClaimDue(now time.Time, maxN int) ([]Reminder, error) {
	if maxN <= 0 {
		return nil, nil
	}
	nowSec := now.Unix()
	var claimed []Reminder
	err := s.db.Update(func(tx *bbolt.Tx) error {
		rb := tx.Bucket(bucketReminders)
		idx := tx.Bucket(bucketIndex)

		type hit struct {
			oldKey []byte
			id     uint64
		}
		var hits []hit
		prefix := statusCodes[StatusScheduled]
		cur := idx.Cursor()
		for k, _ := cur.Seek([]byte{prefix}); k != nil && k[0] == prefix; k, _ = cur.Next() {
			due := int64(binary.BigEndian.Uint64(k[1:9]))
			if due > nowSec {
				break
			}
			hits = append(hits, hit{oldKey: append([]byte(nil), k...), id: binary.BigEndian.Uint64(k[10:18])})
			if len(hits) == maxN {
				break
			}
		}

		for _, h := range hits {
			v := rb.Get(itob(h.id))
			if v == nil {
				if err := idx.Delete(h.oldKey); err != nil {
					return errors.Wrap(err, "drop orphan index key")
				}
				continue
			}
			var r Reminder
			if err := json.Unmarshal(v, &r); err != nil {
				return errors.Wrapf(err, "decode reminder %d", h.id)
			}
			if r.Status != StatusScheduled || r.CanceledAt != nil {
				if err := idx.Delete(h.oldKey); err != nil {
					return errors.Wrap(err, "drop stale index key")
				}
				continue
			}

			r.Status = StatusFired
			r.AttemptCount++
			sent := nowSec
			r.SentAt = &sent
			r.RecordAudit(AuditEntry{
				TS: nowSec, Action: AuditDeliveryAttempt, Actor: ActorScheduler,
				Details: fmt.Sprintf("attempt %d claimed", r.AttemptCount),
			})

			if err := idx.Delete(h.oldKey); err != nil {
				return errors.Wrap(err, "delete index key")
			}
			if err := idx.Put(indexKeyFor(&r), nil); err != nil {
				return errors.Wrap(err, "put index key")
			}
			data, err := json.Marshal(&r)
			if err != nil {
				return errors.Wrap(err, "encode reminder")
			}
			if err := rb.Put(itob(r.ID), data); err != nil {
				return errors.Wrap(err, "put reminder")
			}
			claimed = append(claimed, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Mutate атомарно применяет fn к строке и переиндексирует её. Ошибка из fn
// откатывает транзакцию целиком.
func (s *Store) Mutate(id uint64, fn func(*Reminder) error) (Reminder, error) {
	var out Reminder
	err := s.db.Update(func(tx *bbolt.Tx) error {
		rb := tx.Bucket(bucketReminders)
		v := rb.Get(itob(id))
		if v == nil {
			return errors.Wrapf(shared.ErrNotFound, "reminder %d", id)
		}
		var r Reminder
		if err := json.Unmarshal(v, &r); err != nil {
			return errors.Wrapf(err, "decode reminder %d", id)
		}
		oldKey := indexKeyFor(&r)
		if err := fn(&r); err != nil {
			return err
		}
		r.ID = id
		newKey := indexKeyFor(&r)
		idx := tx.Bucket(bucketIndex)
		if !bytes.Equal(oldKey, newKey) {
			if err := idx.Delete(oldKey); err != nil {
				return errors.Wrap(err, "delete index key")
			}
			if err := idx.Put(newKey, nil); err != nil {
				return errors.Wrap(err, "put index key")
			}
		}
		data, err := json.Marshal(&r)
		if err != nil {
			return errors.Wrap(err, "encode reminder")
		}
		if err := rb.Put(itob(id), data); err != nil {
			return errors.Wrap(err, "put reminder")
		}
		out = r
		return nil
	})
	return out, err
}

// AppendAudit дописывает запись аудита без смены статуса.
func (s *Store) AppendAudit(id uint64, e AuditEntry) error {
	_, err := s.Mutate(id, func(r *Reminder) error {
		r.RecordAudit(e)
		return nil
	})
	return err
}

// Cancel терминально отменяет напоминание. Допустимо из draft, scheduled,
// snoozed и fired; попытка отменить завершённое возвращает ошибку состояния.
func (s *Store) Cancel(id uint64, now time.Time, actor string) (Reminder, error) {
	return s.Mutate(id, func(r *Reminder) error {
		if r.Status.Terminal() {
			return errors.Wrapf(shared.ErrState, "cancel %s reminder %d", r.Status, id)
		}
		ts := now.Unix()
		r.Status = StatusCanceled
		r.CanceledAt = &ts
		r.RecordAudit(AuditEntry{TS: ts, Action: AuditCancel, Actor: actor})
		return nil
	})
}

// Delete физически удаляет строку (используется обратным ходом операции
// create из журнала действий).
func (s *Store) Delete(id uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rb := tx.Bucket(bucketReminders)
		v := rb.Get(itob(id))
		if v == nil {
			return errors.Wrapf(shared.ErrNotFound, "reminder %d", id)
		}
		var r Reminder
		if err := json.Unmarshal(v, &r); err != nil {
			return errors.Wrapf(err, "decode reminder %d", id)
		}
		if err := tx.Bucket(bucketIndex).Delete(indexKeyFor(&r)); err != nil {
			return errors.Wrap(err, "delete index key")
		}
		return rb.Delete(itob(id))
	})
}

// Restore записывает снимок строки как есть (откат update/delete): прежняя
// версия строки и её ключ индекса замещаются снимком байт в байт.
func (s *Store) Restore(snapshot Reminder) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rb := tx.Bucket(bucketReminders)
		idx := tx.Bucket(bucketIndex)
		if v := rb.Get(itob(snapshot.ID)); v != nil {
			var cur Reminder
			if err := json.Unmarshal(v, &cur); err != nil {
				return errors.Wrapf(err, "decode reminder %d", snapshot.ID)
			}
			if err := idx.Delete(indexKeyFor(&cur)); err != nil {
				return errors.Wrap(err, "delete index key")
			}
		}
		data, err := json.Marshal(&snapshot)
		if err != nil {
			return errors.Wrap(err, "encode snapshot")
		}
		if err := rb.Put(itob(snapshot.ID), data); err != nil {
			return errors.Wrap(err, "put snapshot")
		}
		return idx.Put(indexKeyFor(&snapshot), nil)
	})
}

// RecoverInDoubt обрабатывает строки, застрявшие в fired после рестарта:
// если попытка началась не далее window назад и лимит попыток не исчерпан,
// строка считается неотправленной и возвращается в scheduled с задержкой
// backoff(attempt_count). Возвращает число восстановленных строк.
func (s *Store) RecoverInDoubt(now time.Time, window time.Duration, maxAttempts int, backoff func(attempt int) time.Duration) (int, error) {
	nowSec := now.Unix()
	oldest := now.Add(-window).Unix()
	recovered := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		rb := tx.Bucket(bucketReminders)
		idx := tx.Bucket(bucketIndex)

		var ids []uint64
		prefix := statusCodes[StatusFired]
		cur := idx.Cursor()
		for k, _ := cur.Seek([]byte{prefix}); k != nil && k[0] == prefix; k, _ = cur.Next() {
			ids = append(ids, binary.BigEndian.Uint64(k[10:18]))
		}

		for _, id := range ids {
			v := rb.Get(itob(id))
			if v == nil {
				continue
			}
			var r Reminder
			if err := json.Unmarshal(v, &r); err != nil {
				return errors.Wrapf(err, "decode reminder %d", id)
			}
			if r.Status != StatusFired || r.SentAt == nil {
				continue
			}
			if *r.SentAt < oldest || r.AttemptCount >= maxAttempts {
				continue
			}

			oldKey := indexKeyFor(&r)
			r.Status = StatusScheduled
			r.SentAt = nil
			r.DueAt = now.Add(backoff(r.AttemptCount)).Unix()
			r.LastError = "in-doubt after restart"
			r.RecordAudit(AuditEntry{
				TS: nowSec, Action: AuditRetry, Actor: ActorScheduler,
				Details: "restart recovery",
			})
			if err := idx.Delete(oldKey); err != nil {
				return errors.Wrap(err, "delete index key")
			}
			if err := idx.Put(indexKeyFor(&r), nil); err != nil {
				return errors.Wrap(err, "put index key")
			}
			data, err := json.Marshal(&r)
			if err != nil {
				return errors.Wrap(err, "encode reminder")
			}
			if err := rb.Put(itob(id), data); err != nil {
				return errors.Wrap(err, "put reminder")
			}
			recovered++
		}
		return nil
	})
	return recovered, err
}

// ScheduledStats считает запланированные напоминания и ближайший due_at.
func (s *Store) ScheduledStats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := statusCodes[StatusScheduled]
		cur := tx.Bucket(bucketIndex).Cursor()
		for k, _ := cur.Seek([]byte{prefix}); k != nil && k[0] == prefix; k, _ = cur.Next() {
			if st.ScheduledCount == 0 {
				st.NextDueAt = int64(binary.BigEndian.Uint64(k[1:9]))
			}
			st.ScheduledCount++
		}
		return nil
	})
	return st, err
}

// WriteHeartbeat сохраняет служебную строку планировщика.
func (s *Store) WriteHeartbeat(hb Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return errors.Wrap(err, "encode heartbeat")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(metaHeartbeat, data)
	})
}

// ReadHeartbeat возвращает служебную строку; нулевое значение, если её ещё нет.
func (s *Store) ReadHeartbeat() (Heartbeat, error) {
	var hb Heartbeat
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(metaHeartbeat)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &hb)
	})
	return hb, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// indexKeyFor строит композитный ключ порядка: статус, due по возрастанию,
// приоритет по убыванию (255-p), id по возрастанию.
func indexKeyFor(r *Reminder) []byte {
	key := make([]byte, 18)
	key[0] = statusCodes[r.Status]
	binary.BigEndian.PutUint64(key[1:9], uint64(r.DueAt))
	key[9] = byte(255 - r.Priority)
	binary.BigEndian.PutUint64(key[10:18], r.ID)
	return key
}
