// Package commands — единый сервисный слой поверх хранилищ и роутера.
// Его методы вызывают оба адаптера: HTTP API и консоль демона. Квитанция
// с undo-токеном выдаётся только после коммита транзакции хранилища;
// обещаний без записи на диск слой не делает.
package commands

import (
	"time"

	"reminderd/internal/domain/drafts"
	"reminderd/internal/domain/prefs"
	"reminderd/internal/domain/reminders"
)

// Коды действий колбэка.
const (
	ActionDone   = "DONE"
	ActionCancel = "CANCEL"
)

// Разрешённые шаги snooze и delay.
var (
	snoozeMinutes = map[string]int{
		"SNOOZE_5":  5,
		"SNOOZE_15": 15,
		"SNOOZE_30": 30,
		"SNOOZE_60": 60,
	}
	delayHours = map[string]int{
		"DELAY_1H": 1,
		"DELAY_2H": 2,
		"DELAY_4H": 4,
		"DELAY_8H": 8,
	}
)

// CreateRequest — структурированное создание напоминания. DueAt обязателен;
// разбор естественного текста времени делают адаптеры (C1) или CreateFromText.
type CreateRequest struct {
	SessionID  string
	Message    string
	DueAt      time.Time
	Kind       string
	Channels   []string
	Priority   int
	Timezone   string
	ContextRef string
	DedupeKey  string
}

// Receipt — квитанция успешного создания или изменения.
type Receipt struct {
	ID        uint64   `json:"id"`
	Status    string   `json:"status"`
	DueAt     int64    `json:"due_at"`
	Kind      string   `json:"kind"`
	Channels  []string `json:"channels"`
	Priority  int      `json:"priority"`
	UndoToken string   `json:"undo_token,omitempty"`
	Duplicate bool     `json:"duplicate,omitempty"`
}

// DraftReceipt — ответ на запрос, которому не хватило данных: вместо
// напоминания создан черновик с уточняющим вопросом.
type DraftReceipt struct {
	DraftID            string `json:"draft_id"`
	ClarifyingQuestion string `json:"clarifying_question"`
	ExpiresAt          int64  `json:"expires_at"`
}

// CreateOutcome — итог CreateFromText: ровно одно из полей не nil.
type CreateOutcome struct {
	Receipt *Receipt      `json:"receipt,omitempty"`
	Draft   *DraftReceipt `json:"draft,omitempty"`
}

// UndoResult — итог отката одного действия.
type UndoResult struct {
	ActionID   string `json:"action_id"`
	Operation  string `json:"operation"`
	EntityID   uint64 `json:"entity_id"`
	UndoToken  string `json:"undo_token"`
	RestoredTo string `json:"restored_to,omitempty"`
}

// HealthResult — снимок живости сервиса для health-эндпойнта и консоли.
type HealthResult struct {
	Status    string          `json:"status"`
	Scheduler SchedulerHealth `json:"scheduler"`
	Reminders ReminderStats   `json:"reminders"`
	Delivery  DeliveryHealth  `json:"delivery"`
	Timestamp int64           `json:"timestamp"`
}

// SchedulerHealth — часть HealthResult про поллер.
type SchedulerHealth struct {
	LastHeartbeat   int64 `json:"last_heartbeat"`
	HeartbeatAgeSec int64 `json:"heartbeat_age_sec"`
	IsAlive         bool  `json:"is_alive"`
}

// ReminderStats — часть HealthResult про запланированные строки.
type ReminderStats struct {
	ScheduledCount int   `json:"scheduled_count"`
	NextDueAt      int64 `json:"next_due_at,omitempty"`
	NextDueInSec   int64 `json:"next_due_in_sec,omitempty"`
}

// DeliveryHealth — часть HealthResult про последнюю доставку.
type DeliveryHealth struct {
	LastSuccess int64  `json:"last_success,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Flusher — то немногое, что слою команд нужно от планировщика.
type Flusher interface {
	TickNow(reason string)
}

// Ре-экспорт доменных типов, чтобы адаптерам не тянуть доменные пакеты
// ради сигнатур.
type (
	Reminder    = reminders.Reminder
	Draft       = drafts.Draft
	Preferences = prefs.Preferences
)
