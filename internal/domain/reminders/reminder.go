// Пакет reminders содержит модель напоминания и долговечное хранилище (bbolt)
// с атомарным захватом просроченных строк. Хранилище является единственным
// источником истины для жизненного цикла: все переходы статусов проходят
// через его транзакции.
package reminders

import (
	"github.com/go-faster/errors"

	"reminderd/internal/shared"
)

// Status — этап жизненного цикла напоминания.
type Status string

const (
	StatusDraft        Status = "draft"
	StatusScheduled    Status = "scheduled"
	StatusFired        Status = "fired"
	StatusAcknowledged Status = "acknowledged"
	StatusSnoozed      Status = "snoozed"
	StatusCanceled     Status = "canceled"
	StatusFailed       Status = "failed"
)

// Kind различает обычное напоминание и будильник: будильник игнорирует
// подсказки do-not-disturb на уровне провайдера, в остальном идентичен.
type Kind string

const (
	KindRemind Kind = "REMIND"
	KindAlarm  Kind = "ALARM"
)

// Каналы доставки.
const (
	ChannelNtfy            = "ntfy"
	ChannelVoice           = "voice"
	ChannelDesktopPopup    = "desktop_popup"
	ChannelMorningBriefing = "morning_briefing"
)

// Действия журнала аудита (закрытый набор).
const (
	AuditCreated         = "created"
	AuditDeliveryAttempt = "delivery_attempt"
	AuditActionCallback  = "action_callback"
	AuditSnooze          = "snooze"
	AuditDelay           = "delay"
	AuditCancel          = "cancel"
	AuditFail            = "fail"
	AuditRetry           = "retry"
)

// Акторы аудита.
const (
	ActorScheduler = "scheduler"
	ActorUser      = "user"
	ActorSystem    = "system"
)

// Границы приоритета.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// maxAuditEntries ограничивает журнал: при переполнении старейшие записи
// отбрасываются.
const maxAuditEntries = 100

// AuditEntry — одна запись журнала аудита напоминания.
type AuditEntry struct {
	TS       int64             `json:"ts"`
	Action   string            `json:"action"`
	Actor    string            `json:"actor"`
	Details  string            `json:"details,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Reminder — строка хранилища. Все отметки времени в Unix-секундах UTC;
// Timezone используется только для разбора и отображения.
type Reminder struct {
	ID           uint64       `json:"id"`
	Kind         Kind         `json:"kind"`
	Message      string       `json:"message"`
	DueAt        int64        `json:"due_at"`
	CreatedAt    int64        `json:"created_at"`
	SentAt       *int64       `json:"sent_at,omitempty"`
	CanceledAt   *int64       `json:"canceled_at,omitempty"`
	Timezone     string       `json:"timezone,omitempty"`
	Channels     []string     `json:"channels"`
	Priority     int          `json:"priority"`
	Status       Status       `json:"status"`
	AttemptCount int          `json:"attempt_count"`
	LastError    string       `json:"last_error,omitempty"`
	ContextRef   string       `json:"context_ref,omitempty"`
	AuditLog     []AuditEntry `json:"audit_log,omitempty"`

	// LegacyChannel — дореформенная колонка с одним каналом. Читается только
	// миграцией; после неё ключ в JSON не появляется.
	LegacyChannel string `json:"channel,omitempty"`
}

var knownChannels = map[string]struct{}{
	ChannelNtfy:            {},
	ChannelVoice:           {},
	ChannelDesktopPopup:    {},
	ChannelMorningBriefing: {},
}

// KnownChannel сообщает, входит ли имя в закрытый набор каналов.
func KnownChannel(name string) bool {
	_, ok := knownChannels[name]
	return ok
}

// NormalizeChannels убирает дубликаты с сохранением порядка первого вхождения
// и проверяет имена. Пустой список означает канал по умолчанию (ntfy).
func NormalizeChannels(channels []string) ([]string, error) {
	if len(channels) == 0 {
		return []string{ChannelNtfy}, nil
	}
	uniq := shared.Unique(channels)
	for _, ch := range uniq {
		if !KnownChannel(ch) {
			return nil, errors.Wrapf(shared.ErrValidation, "unknown channel %q", ch)
		}
	}
	return uniq, nil
}

// MigrateLegacyChannel переводит одноканальную колонку в список каналов:
// "ntfy" -> ["ntfy"], "voice" -> ["voice"], "both" -> ["ntfy","voice"].
// Повторный вызов ничего не меняет (колонка уже пуста).
func MigrateLegacyChannel(r *Reminder) bool {
	if r.LegacyChannel == "" || len(r.Channels) > 0 {
		r.LegacyChannel = ""
		return false
	}
	switch r.LegacyChannel {
	case "both":
		r.Channels = []string{ChannelNtfy, ChannelVoice}
	default:
		r.Channels = []string{r.LegacyChannel}
	}
	r.LegacyChannel = ""
	return true
}

// ClampPriority приводит приоритет к диапазону 1..10. Второй результат
// сообщает, потребовалась ли подрезка (для предупреждающей записи аудита).
func ClampPriority(p int) (int, bool) {
	if p == 0 {
		return DefaultPriority, false
	}
	c := shared.Clamp(p, MinPriority, MaxPriority)
	return c, c != p
}

// RecordAudit добавляет запись, удерживая журнал в пределах maxAuditEntries
// (старейшие записи отбрасываются первыми).
func (r *Reminder) RecordAudit(e AuditEntry) {
	r.AuditLog = append(r.AuditLog, e)
	if excess := len(r.AuditLog) - maxAuditEntries; excess > 0 {
		r.AuditLog = append(r.AuditLog[:0], r.AuditLog[excess:]...)
	}
}

// Terminal сообщает, является ли статус конечным.
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusCanceled || s == StatusFailed
}

// ValidStatus проверяет значение статуса из внешнего запроса.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusDraft, StatusScheduled, StatusFired, StatusAcknowledged,
		StatusSnoozed, StatusCanceled, StatusFailed:
		return true
	default:
		return false
	}
}
