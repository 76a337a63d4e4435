package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"reminderd/internal/domain/timeparse"
	"reminderd/internal/shared"

	"github.com/go-faster/errors"
)

// Жёсткие пороги приёмки ответа модели. Всё, что им не удовлетворяет,
// трактуется как "интента нет": молчаливое исполнение сомнительного ответа
// запрещено.
const (
	minFallbackConfidence = 0.85
	fallbackTimeout       = 30 * time.Second
	fallbackMaxTokens     = 300
)

// Ключевые слова-действия. Фолбэк вызывается только если текст содержит хотя
// бы одно из них: это дешёвый фильтр от бессмысленных обращений к модели.
var actionKeywords = []string{
	"remind", "reminder", "schedule", "goal", "remember",
	"set", "create", "add", "make", "help me",
}

// HasActionKeyword сообщает, содержит ли текст хотя бы одно ключевое слово
// действия (поиск по подстроке, регистронезависимый).
func HasActionKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range actionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Fallback — клиент LLM-дораспознавания с OpenAI-совместимым chat-протоколом.
// Используется строго после того, как детерминированная лестница вернула nil.
type Fallback struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewFallback создаёт клиент. baseURL указывает на корень API (включая /v1,
// если сервер его требует), без завершающего слэша.
func NewFallback(baseURL, apiKey, model string) *Fallback {
	return &Fallback{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: fallbackTimeout},
	}
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []chatMsg `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMsg `json:"message"`
	} `json:"choices"`
}

// envelope — единственный формат ответа, который мы принимаем от модели.
type envelope struct {
	IntentType    string          `json:"intent_type"`
	Action        string          `json:"action"`
	Payload       fallbackPayload `json:"payload"`
	Confidence    float64         `json:"confidence"`
	MissingFields []string        `json:"missing_fields"`
}

type fallbackPayload struct {
	Message  string   `json:"message"`
	DueAt    string   `json:"due_at"`
	Channels []string `json:"channels"`
	Priority int      `json:"priority"`
}

const fallbackSystemPrompt = `You normalize reminder requests. Reply with a single JSON object and nothing else:
{"intent_type":"reminder.create","action":"create_reminder","payload":{"message":"...","due_at":"...","channels":["ntfy"],"priority":5},"confidence":0.0,"missing_fields":[]}
Rules: intent_type is "reminder.create" or "unknown"; action is "create_reminder" or "noop"; due_at is an ISO timestamp or a plain time expression; confidence is your certainty in [0,1]; list every field you could not extract in missing_fields. ASCII only.`

// Infer обращается к модели и строит ReminderIntent из её ответа. Возвращает
// (nil, nil), когда ответ отвергнут порогами приёмки: это штатный исход,
// вызывающий должен ответить уточнением. Ошибка означает проблему транспорта.
func (f *Fallback) Infer(ctx context.Context, text string, now time.Time, loc *time.Location) (*ReminderIntent, error) {
	if !HasActionKeyword(text) {
		return nil, nil
	}

	raw, err := f.chat(ctx, text)
	if err != nil {
		return nil, err
	}
	raw = stripFences(raw)
	if hasNonASCII(raw) {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, nil
	}
	if env.Confidence < minFallbackConfidence ||
		len(env.MissingFields) > 0 ||
		env.IntentType == "unknown" || env.IntentType == "" ||
		env.Action == "noop" || env.Action == "" {
		return nil, nil
	}
	msg := trimMessage(strings.ToLower(env.Payload.Message))
	if msg == "" {
		return nil, nil
	}

	if loc == nil {
		loc = time.UTC
	}
	ri := &ReminderIntent{
		IntentType: TypeReminderCreate,
		Kind:       KindRemind,
		Message:    msg,
		Timezone:   loc.String(),
		Channels:   []string{DefaultChannel},
		Priority:   DefaultPriority,
		Confidence: env.Confidence,
	}
	if len(env.Payload.Channels) > 0 {
		ri.Channels = shared.Unique(env.Payload.Channels)
	}
	if env.Payload.Priority != 0 {
		ri.Priority = shared.Clamp(env.Payload.Priority, 1, 10)
	}
	if env.Payload.DueAt != "" {
		res, err := timeparse.Parse(env.Payload.DueAt, now, loc)
		if err == nil && res.HasTime {
			ri.DueAt = &res.At
			ri.Partial = res.Partial
		}
	}
	applySanityGates(ri, now, loc)
	return ri, nil
}

func (f *Fallback) chat(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: f.model,
		Messages: []chatMsg{
			{Role: "system", Content: fallbackSystemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: 0,
		MaxTokens:   fallbackMaxTokens,
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "chat request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read chat response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("chat status %d: %s", resp.StatusCode, firstLine(data))
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", errors.Wrap(err, "decode chat response")
	}
	if len(cr.Choices) == 0 {
		return "", errors.New("chat response has no choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

// stripFences снимает обрамление ```json ... ```, которым модели любят
// оборачивать ответ вопреки инструкции.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func firstLine(data []byte) string {
	s := strings.TrimSpace(string(data))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
