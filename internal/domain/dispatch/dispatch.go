// Пакет dispatch — маршрутизатор уведомлений: раздаёт одно напоминание по его
// каналам через зарегистрированных провайдеров и собирает результат по каждому
// каналу отдельно. Провайдеры независимы: сбой одного канала не мешает
// остальным. Неизвестные каналы логируются и пропускаются без ошибки.
package dispatch

import (
	"context"
	"sync"

	"reminderd/internal/infra/logger"
)

// DeliveryResult — итог попытки доставки в один канал. Error заполняется
// строкой, а не error: результат сериализуется в метаданные аудита.
type DeliveryResult struct {
	OK        bool              `json:"ok"`
	Provider  string            `json:"provider"`
	MessageID string            `json:"message_id,omitempty"`
	Error     string            `json:"error,omitempty"`
	DryRun    bool              `json:"dry_run,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Action — интерактивная кнопка уведомления. Провайдер сам решает, как её
// отрендерить; провайдеры без кнопок игнорируют список.
type Action struct {
	Label  string // подпись кнопки
	Action string // код действия: DONE, SNOOZE_30, DELAY_2H
	URL    string // адрес колбэка
	Body   string // JSON-тело POST-запроса
}

// Notification — подготовленный к отправке пакет. Priority уже в доменной
// шкале 1..10; провайдеры переводят её в собственную.
type Notification struct {
	ReminderID uint64
	Kind       string // REMIND или ALARM
	Title      string
	Body       string
	Priority   int
	Actions    []Action
}

// Provider — транспорт одного канала доставки. Send не возвращает error:
// любой сбой упаковывается в DeliveryResult, ретраями владеет планировщик.
type Provider interface {
	Name() string
	Send(ctx context.Context, n Notification) DeliveryResult
}

// Router хранит реестр провайдеров по имени канала.
type Router struct {
	providers map[string]Provider
}

// NewRouter регистрирует провайдеров. Повторная регистрация имени замещает
// предыдущего провайдера.
func NewRouter(providers ...Provider) *Router {
	r := &Router{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Dispatch отправляет уведомление во все перечисленные каналы параллельно и
// возвращает результат по каждому известному каналу. Канал без провайдера
// в результат не попадает: он пропущен, а не провален.
func (r *Router) Dispatch(ctx context.Context, channels []string, n Notification) map[string]DeliveryResult {
	results := make(map[string]DeliveryResult, len(channels))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ch := range channels {
		p, ok := r.providers[ch]
		if !ok {
			logger.Warnf("Dispatch: unknown channel %q for reminder %d, skipping", ch, n.ReminderID)
			continue
		}
		wg.Go(func() {
			res := p.Send(ctx, n)
			res.Provider = p.Name()
			mu.Lock()
			results[ch] = res
			mu.Unlock()
		})
	}
	wg.Wait()
	return results
}

// AnyOK сообщает, доставил ли хотя бы один канал.
func AnyOK(results map[string]DeliveryResult) bool {
	for _, res := range results {
		if res.OK {
			return true
		}
	}
	return false
}

// FirstError возвращает первую строку ошибки из результатов (для last_error).
func FirstError(results map[string]DeliveryResult) string {
	for _, res := range results {
		if !res.OK && res.Error != "" {
			return res.Error
		}
	}
	return ""
}
