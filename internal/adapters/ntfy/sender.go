// Пакет ntfy реализует dispatch.Provider поверх HTTP API сервера ntfy.
//
// В этом файле:
//   - настраивается HTTP-клиент с жёстким таймаутом и общий троттлер запросов;
//   - приоритет напоминания (1..10) переводится в шкалу ntfy (1..5);
//   - при настроенном публичном адресе колбэков в заголовок Actions
//     добавляются кнопки DONE / SNOOZE_30 / DELAY_2H;
//   - в dry-run режиме запрос логируется (URL, заголовки, первые 200 байт
//     тела) и возвращается ok=true без сетевого вызова.
//
// Провайдер не ретраит сам: классификация сбоя уезжает в DeliveryResult,
// а повторными попытками владеет планировщик.
package ntfy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"reminderd/internal/domain/dispatch"
	"reminderd/internal/infra/logger"
)

// httpClientTimeout — жёсткий дедлайн одного запроса к ntfy. По контракту
// доставки канал не имеет права зависнуть дольше.
const httpClientTimeout = 10 * time.Second

// dryRunBodyPreview ограничивает длину тела в dry-run логе.
const dryRunBodyPreview = 200

// ChannelName — имя канала, под которым провайдер регистрируется в роутере.
const ChannelName = "ntfy"

// Options — параметры провайдера. BaseURL и Topic обязательны для боевой
// доставки; PublicBaseURL и ActionToken управляют кнопками действий.
type Options struct {
	BaseURL       string
	Topic         string
	PublicBaseURL string
	ActionToken   string
	ThrottleRPS   int
	DryRun        bool
}

// Sender отправляет уведомления в топик ntfy.
type Sender struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
}

// NewSender создаёт провайдер. rps задаёт среднюю частоту запросов,
// burst = 2*rps сглаживает пачку каналов одного тика.
func NewSender(opts Options) *Sender {
	rps := opts.ThrottleRPS
	if rps <= 0 {
		rps = 1
	}
	return &Sender{
		opts:    opts,
		client:  &http.Client{Timeout: httpClientTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps*2), //nolint:mnd // burst = 2*rate
	}
}

// Name реализует dispatch.Provider.
func (s *Sender) Name() string { return ChannelName }

// Send доставляет одно уведомление. Любой сбой (таймаут, транспорт, не-2xx)
// возвращается как ok=false со строковой ошибкой; статус HTTP кладётся в
// метаданные, чтобы планировщик мог отличить 4xx от 5xx.
func (s *Sender) Send(ctx context.Context, n dispatch.Notification) dispatch.DeliveryResult {
	url := s.opts.BaseURL + "/" + s.opts.Topic
	headers := s.buildHeaders(n)

	if s.opts.DryRun {
		logDryRun(url, headers, n.Body)
		return dispatch.DeliveryResult{OK: true, DryRun: true, Metadata: map[string]string{"url": url}}
	}

	if s.opts.Topic == "" {
		return dispatch.DeliveryResult{OK: false, Error: "ntfy topic is not configured"}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return dispatch.DeliveryResult{OK: false, Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(n.Body))
	if err != nil {
		return dispatch.DeliveryResult{OK: false, Error: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return dispatch.DeliveryResult{OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16)) //nolint:mnd // 64 KiB достаточно для любого ответа ntfy
	if err != nil {
		return dispatch.DeliveryResult{OK: false, Error: err.Error()}
	}

	meta := map[string]string{"status": strconv.Itoa(resp.StatusCode)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return dispatch.DeliveryResult{
			OK:       false,
			Error:    strconv.Itoa(resp.StatusCode),
			Metadata: meta,
		}
	}

	return dispatch.DeliveryResult{OK: true, MessageID: extractMessageID(body), Metadata: meta}
}

// buildHeaders собирает заголовки запроса: Title, Priority, Tags и кнопки.
func (s *Sender) buildHeaders(n dispatch.Notification) map[string]string {
	headers := map[string]string{
		"Title":    n.Title,
		"Priority": strconv.Itoa(MapPriority(n.Priority, n.Kind)),
	}
	if n.Kind == "ALARM" {
		headers["Tags"] = "alarm_clock"
	}
	if actions := renderActions(n.Actions); actions != "" {
		headers["Actions"] = actions
	}
	return headers
}

// MapPriority переводит доменный приоритет 1..10 в шкалу ntfy 1..5:
// 1-3 -> 2, 4-6 -> 3, 7-8 -> 4, 9-10 -> 5. ALARM всегда срочный (5):
// urgent у ntfy пробивает клиентский do-not-disturb.
func MapPriority(p int, kind string) int {
	if kind == "ALARM" {
		return 5
	}
	switch {
	case p <= 3:
		return 2
	case p <= 6:
		return 3
	case p <= 8:
		return 4
	default:
		return 5
	}
}

// BuildActions формирует стандартные три кнопки колбэка для напоминания.
// Возвращает nil, если публичный адрес не настроен: без него кнопки
// бессмысленны (телефону некуда постить).
func BuildActions(publicBaseURL, token string, reminderID uint64) []dispatch.Action {
	if publicBaseURL == "" {
		return nil
	}
	url := fmt.Sprintf("%s/api/reminders/%d/action", publicBaseURL, reminderID)
	build := func(label, action string) dispatch.Action {
		payload := map[string]string{"action": action}
		if token != "" {
			payload["token"] = token
		}
		body, _ := json.Marshal(payload)
		return dispatch.Action{Label: label, Action: action, URL: url, Body: string(body)}
	}
	return []dispatch.Action{
		build("Done", "DONE"),
		build("Snooze 30m", "SNOOZE_30"),
		build("Delay 2h", "DELAY_2H"),
	}
}

// renderActions кодирует кнопки в формат заголовка Actions ntfy:
// "http, <label>, <url>, method=POST, body=<json>; ...".
func renderActions(actions []dispatch.Action) string {
	if len(actions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		parts = append(parts, fmt.Sprintf("http, %s, %s, method=POST, body=%s", a.Label, a.URL, a.Body))
	}
	return strings.Join(parts, "; ")
}

// extractMessageID достаёт id сообщения из JSON-ответа ntfy; пустая строка,
// если тело не разобралось (успеху доставки это не мешает).
func extractMessageID(body []byte) string {
	var env struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	return env.ID
}

// logDryRun пишет несостоявшийся запрос в лог: URL, заголовки и первые
// 200 байт тела. Обязательная часть контракта dry-run для CI.
func logDryRun(url string, headers map[string]string, body string) {
	if len(body) > dryRunBodyPreview {
		body = body[:dryRunBodyPreview]
	}
	pairs := make([]string, 0, len(headers))
	for k, v := range headers {
		pairs = append(pairs, k+"="+v)
	}
	logger.Infof("ntfy dry-run: POST %s headers[%s] body=%q", url, strings.Join(pairs, " "), body)
}
