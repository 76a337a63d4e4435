// Пакет intent преобразует свободный текст пользователя в канонический
// ReminderIntent. Распознавание построено на лестнице регулярных выражений
// (см. patterns.go): шаблоны упорядочены по приоритету, побеждает первый
// сработавший. Нормализатор чист: "сейчас" и таймзона инжектируются, сетевых
// вызовов нет. Опциональный LLM-фолбэк вынесен в fallback.go и вызывается
// отдельно, когда лестница ничего не нашла.
package intent

import (
	"fmt"
	"strings"
	"time"

	"reminderd/internal/domain/timeparse"
)

// Типы интентов и значения по умолчанию.
const (
	TypeReminderCreate = "reminder.create"

	DefaultPriority = 5
	DefaultChannel  = "ntfy"
	BriefingChannel = "morning_briefing"
)

// Kind напоминания. ALARM отличается только поведением провайдера
// (игнорирует подсказки do-not-disturb).
const (
	KindRemind = "REMIND"
	KindAlarm  = "ALARM"
)

// ReminderIntent — канонический результат распознавания. DueAt равен nil,
// когда время не удалось собрать полностью; частичные находки лежат в Partial.
type ReminderIntent struct {
	IntentType         string
	Kind               string
	Message            string
	DueAt              *time.Time
	Timezone           string
	Channels           []string
	Recurrence         string
	Priority           int
	Confidence         float64
	NeedsClarification bool
	ClarifyingQuestion string
	Partial            timeparse.Partial
}

// Normalize распознаёт текст относительно now в зоне loc. Возвращает nil,
// когда текст заведомо не является просьбой о напоминании: пустая строка,
// слэш-команда, приветствие, рассказ о уже созданном напоминании, вопрос
// о том как работают напоминания, не-ASCII мусор.
func Normalize(text string, now time.Time, loc *time.Location) *ReminderIntent {
	if loc == nil {
		loc = time.UTC
	}
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if norm == "" || hasNonASCII(norm) {
		return nil
	}
	norm = fixupTypos(norm)
	for _, re := range negativePatterns {
		if re.MatchString(norm) {
			return nil
		}
	}

	ctx := matchContext{now: now, loc: loc}
	for _, p := range ladder {
		m := p.re.FindStringSubmatch(norm)
		if m == nil {
			continue
		}
		ri := p.handle(&ctx, m)
		if ri == nil {
			continue
		}
		applySanityGates(ri, now, loc)
		return ri
	}
	return nil
}

// applySanityGates добавляет защитные пометки к уже собранному интенту:
// прошедшее время превращается в вопрос-уточнение (DueAt сохраняется, чтобы
// вызывающий мог показать отвергнутое значение), далёкое будущее помечается
// предупреждением.
func applySanityGates(ri *ReminderIntent, now time.Time, loc *time.Location) {
	if ri.DueAt == nil {
		return
	}
	if ri.DueAt.Before(now) {
		next := ri.DueAt.In(loc).AddDate(0, 0, 1)
		ri.NeedsClarification = true
		ri.ClarifyingQuestion = fmt.Sprintf(
			"That time has already passed. Did you mean %s?", next.Format("Monday at 3:04 PM"))
		return
	}
	if ri.DueAt.After(now.AddDate(1, 0, 0)) {
		ri.Partial.Warning = "far_future"
	}
}

// Слова, для которых допускается исправление одной опечатки. Порядок важен:
// при равном расстоянии побеждает первое.
var fixupWords = []string{"briefing", "reminder", "remind", "tomorrow"}

// fixupTypos чинит одиночные опечатки (замена, вставка, удаление, перестановка
// соседних букв) в ключевых словах, не трогая остальной текст.
func fixupTypos(text string) string {
	tokens := strings.Split(text, " ")
	changed := false
	for i, tok := range tokens {
		core := strings.TrimRight(tok, ":,.!?;")
		suffix := tok[len(core):]
		if len(core) < 4 || !isLowerLetters(core) {
			continue
		}
		for _, want := range fixupWords {
			if core == want {
				break
			}
			if withinOneEdit(core, want) {
				tokens[i] = want + suffix
				changed = true
				break
			}
		}
	}
	if !changed {
		return text
	}
	return strings.Join(tokens, " ")
}

// withinOneEdit сообщает, находится ли b на расстоянии ровно одной правки от a
// (редакционное расстояние Дамерау-Левенштейна с перестановкой соседей).
func withinOneEdit(a, b string) bool {
	if a == b {
		return false
	}
	la, lb := len(a), len(b)
	switch {
	case la == lb:
		first := -1
		for i := 0; i < la; i++ {
			if a[i] == b[i] {
				continue
			}
			if first < 0 {
				first = i
				continue
			}
			// Вторая разница допустима только как перестановка соседних букв.
			if i == first+1 && a[first] == b[i] && a[i] == b[first] {
				return a[i+1:] == b[i+1:]
			}
			return false
		}
		return first >= 0
	case la-lb == 1, lb-la == 1:
		if la > lb {
			a, b, la = b, a, lb
		}
		i := 0
		for i < la && a[i] == b[i] {
			i++
		}
		return a[i:] == b[i+1:]
	default:
		return false
	}
}

func hasNonASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return true
		}
	}
	return false
}

func isLowerLetters(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return false
		}
	}
	return true
}

// trimMessage снимает висячие знаки препинания и связки с текста задачи.
func trimMessage(s string) string {
	return strings.Trim(strings.TrimSpace(s), ".!?,;")
}
