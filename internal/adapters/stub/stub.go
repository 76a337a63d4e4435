// Пакет stub содержит провайдеры-заглушки для каналов, транспорт которых ещё
// не реализован (voice, desktop_popup), и провайдер morning_briefing, который
// лишь помечает пункт как поставленный в очередь брифинга: композицией
// брифинга занимается внешняя система.
package stub

import (
	"context"
	"sync"

	"reminderd/internal/domain/dispatch"
	"reminderd/internal/infra/logger"
)

// NotImplemented — провайдер-заглушка: всегда возвращает структурированный
// отказ ok=false, error="not_implemented". В dry-run, как и настоящие
// провайдеры, рапортует успех без побочных эффектов.
type NotImplemented struct {
	Channel string
	DryRun  bool
}

// Name реализует dispatch.Provider.
func (p *NotImplemented) Name() string { return p.Channel }

// Send реализует dispatch.Provider.
func (p *NotImplemented) Send(_ context.Context, n dispatch.Notification) dispatch.DeliveryResult {
	if p.DryRun {
		logger.Infof("%s dry-run: would deliver reminder %d", p.Channel, n.ReminderID)
		return dispatch.DeliveryResult{OK: true, DryRun: true}
	}
	return dispatch.DeliveryResult{OK: false, Error: "not_implemented"}
}

// BriefingQueue — провайдер канала morning_briefing. Доставка здесь означает
// "пункт поставлен в очередь композитора брифинга": провайдер фиксирует его
// в памяти и рапортует успех, иначе брифинг-напоминания всегда исчерпывали бы
// ретраи и падали в failed.
type BriefingQueue struct {
	mu     sync.Mutex
	queued []QueuedItem
}

// QueuedItem — один пункт, ожидающий утреннего брифинга.
type QueuedItem struct {
	ReminderID uint64 `json:"reminder_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

// NewBriefingQueue создаёт пустую очередь брифинга.
func NewBriefingQueue() *BriefingQueue {
	return &BriefingQueue{}
}

// Name реализует dispatch.Provider.
func (b *BriefingQueue) Name() string { return "morning_briefing" }

// Send ставит пункт в очередь и подтверждает доставку.
func (b *BriefingQueue) Send(_ context.Context, n dispatch.Notification) dispatch.DeliveryResult {
	b.mu.Lock()
	b.queued = append(b.queued, QueuedItem{ReminderID: n.ReminderID, Title: n.Title, Body: n.Body})
	b.mu.Unlock()

	logger.Debugf("Briefing: queued reminder %d", n.ReminderID)
	return dispatch.DeliveryResult{OK: true, Metadata: map[string]string{"queued": "briefing"}}
}

// Pending возвращает снимок очереди (для диагностики из консоли).
func (b *BriefingQueue) Pending() []QueuedItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]QueuedItem, len(b.queued))
	copy(out, b.queued)
	return out
}
