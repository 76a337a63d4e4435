// Пакет timeparse переводит текстовые выражения времени в абсолютные моменты.
// Парсер детерминирован: "сейчас" и таймзона передаются параметрами, сам он
// не обращается к системным часам. Поддерживаются абсолютные формы (ISO-8601),
// время дня ("at 4:30 pm"), относительные интервалы ("in 2 hours"), именованные
// дни ("tomorrow", "friday at 9am") и слова-метки ("tonight", "morning").
//
// Если указан только день без времени, парсер возвращает частичный результат
// (Partial.Day) и оставляет решение за вызывающим. Ошибки структурированы и
// называют токен, на котором разбор остановился.
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Часы по умолчанию для слов-меток времени суток.
const (
	MorningHour   = 9
	AfternoonHour = 14
	EveningHour   = 19
	TonightHour   = 20
)

// Partial описывает распознанные фрагменты выражения, когда полный момент
// собрать не удалось или когда дополнительные метки полезны вызывающему.
type Partial struct {
	Day       string // "today", "tomorrow" или имя дня недели в нижнем регистре
	TimeOfDay string // "morning", "afternoon", "evening", "tonight"
	Warning   string // заполняется вызывающим (например, пометка "далёкое будущее")
}

// Result — итог разбора. HasTime=true означает, что At содержит разрешённый
// момент; иначе осмысленны только поля Partial.
type Result struct {
	At      time.Time
	HasTime bool
	Partial Partial
}

// ParseError — структурированная ошибка разбора. Token указывает фрагмент,
// на котором разбор остановился (может быть пустым для пустого входа).
type ParseError struct {
	Input  string
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("time expression %q: %s", e.Input, e.Reason)
	}
	return fmt.Sprintf("time expression %q: %s at token %q", e.Input, e.Reason, e.Token)
}

// Абсолютные форматы пробуются на исходной строке (без понижения регистра,
// иначе сломаются литералы "T" и "Z" в ISO-8601).
var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var (
	reDuration = regexp.MustCompile(`^in (\d+) ?([a-z]+)$`)
	reClock12  = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))? ?(am|pm)$`)
	reClock24  = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
	reBareHour = regexp.MustCompile(`^(\d{1,2})$`)
)

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

var timeOfDayHours = map[string]int{
	"morning":   MorningHour,
	"afternoon": AfternoonHour,
	"evening":   EveningHour,
	"tonight":   TonightHour,
}

// Parse разбирает выражение времени относительно now в зоне loc.
//
// Поведение зафиксировано контрактом:
//   - "at 16:30" означает сегодня в 16:30 локального времени loc. Если момент
//     уже прошёл, перенос на завтра НЕ выполняется: прошедший момент
//     возвращается как есть, санитарную проверку делает вызывающий.
//   - Имя дня недели выбирает следующее вхождение строго после now (если
//     сегодня пятница, "friday" означает пятницу через неделю).
//   - День без времени ("tomorrow") даёт HasTime=false и Partial.Day.
func Parse(text string, now time.Time, loc *time.Location) (Result, error) {
	if loc == nil {
		loc = time.UTC
	}
	norm := strings.Join(strings.Fields(text), " ")
	if norm == "" {
		return Result{}, &ParseError{Input: text, Reason: "empty input"}
	}
	lower := strings.ToLower(norm)

	for _, layout := range absoluteLayouts {
		t, err := time.ParseInLocation(layout, norm, loc)
		if err != nil {
			continue
		}
		return Result{At: t, HasTime: true}, nil
	}

	if strings.HasPrefix(lower, "in ") {
		return parseDuration(norm, lower, now)
	}

	if h, m, ok := parseClock(strings.TrimPrefix(lower, "at "), strings.HasPrefix(lower, "at ")); ok {
		at := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, loc)
		return Result{At: at, HasTime: true}, nil
	}

	if hour, ok := timeOfDayHours[lower]; ok {
		at := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, loc)
		return Result{At: at, HasTime: true, Partial: Partial{TimeOfDay: lower}}, nil
	}

	if res, handled, err := parseDayPhrase(norm, lower, now, loc); handled {
		return res, err
	}

	return Result{}, &ParseError{Input: norm, Token: firstToken(lower), Reason: "unrecognized expression"}
}

// parseDuration обрабатывает форму "in N <unit>". N неотрицателен.
func parseDuration(input, lower string, now time.Time) (Result, error) {
	m := reDuration.FindStringSubmatch(lower)
	if m == nil {
		rest := strings.TrimSpace(strings.TrimPrefix(lower, "in "))
		return Result{}, &ParseError{Input: input, Token: firstToken(rest), Reason: "invalid duration"}
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 {
		return Result{}, &ParseError{Input: input, Token: m[1], Reason: "invalid duration amount"}
	}
	var at time.Time
	switch unit := m[2]; unit {
	case "minute", "minutes", "min", "m":
		at = now.Add(time.Duration(n) * time.Minute)
	case "hour", "hours", "h":
		at = now.Add(time.Duration(n) * time.Hour)
	case "day", "days", "d":
		at = now.AddDate(0, 0, n)
	case "week", "weeks":
		at = now.AddDate(0, 0, 7*n)
	default:
		return Result{}, &ParseError{Input: input, Token: unit, Reason: "unknown duration unit"}
	}
	return Result{At: at, HasTime: true}, nil
}

// parseDayPhrase обрабатывает "(today|tomorrow|<weekday>) [ (at|by) <clock> | <timeofday> ]".
// Возвращает handled=false, если первое слово не является именем дня.
func parseDayPhrase(input, lower string, now time.Time, loc *time.Location) (Result, bool, error) {
	first, rest, _ := strings.Cut(lower, " ")

	var dayName string
	var base time.Time
	switch {
	case first == "today":
		dayName = "today"
		base = now
	case first == "tomorrow":
		dayName = "tomorrow"
		base = now.AddDate(0, 0, 1)
	default:
		wd, ok := weekdayNames[first]
		if !ok {
			return Result{}, false, nil
		}
		dayName = strings.ToLower(wd.String())
		base = nextWeekday(now, wd)
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return Result{Partial: Partial{Day: dayName}}, true, nil
	}

	hadConnector := false
	if after, ok := strings.CutPrefix(rest, "at "); ok {
		rest, hadConnector = after, true
	} else if after, ok := strings.CutPrefix(rest, "by "); ok {
		rest, hadConnector = after, true
	}

	if hour, ok := timeOfDayHours[rest]; ok {
		at := time.Date(base.Year(), base.Month(), base.Day(), hour, 0, 0, 0, loc)
		return Result{At: at, HasTime: true, Partial: Partial{Day: dayName, TimeOfDay: rest}}, true, nil
	}

	if h, m, ok := parseClock(rest, hadConnector); ok {
		at := time.Date(base.Year(), base.Month(), base.Day(), h, m, 0, 0, loc)
		return Result{At: at, HasTime: true, Partial: Partial{Day: dayName}}, true, nil
	}

	return Result{}, true, &ParseError{Input: input, Token: firstToken(rest), Reason: "invalid time of day"}
}

// parseClock разбирает "4:30 pm", "4pm", "16:45" и, при наличии связки "at",
// голый час ("at 16"). Возвращает час и минуту локального времени.
func parseClock(s string, allowBareHour bool) (int, int, bool) {
	s = strings.TrimSpace(s)

	if m := reClock12.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		min := 0
		if m[2] != "" {
			min, _ = strconv.Atoi(m[2])
		}
		if h < 1 || h > 12 || min > 59 {
			return 0, 0, false
		}
		if m[3] == "pm" && h != 12 {
			h += 12
		} else if m[3] == "am" && h == 12 {
			h = 0
		}
		return h, min, true
	}

	if m := reClock24.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		if h > 23 || min > 59 {
			return 0, 0, false
		}
		return h, min, true
	}

	if allowBareHour {
		if m := reBareHour.FindStringSubmatch(s); m != nil {
			h, _ := strconv.Atoi(m[1])
			if h <= 23 {
				return h, 0, true
			}
		}
	}

	return 0, 0, false
}

// nextWeekday возвращает ближайший день недели target строго после now
// (на уровне дат: совпадение с сегодняшним днём означает сдвиг на неделю).
func nextWeekday(now time.Time, target time.Weekday) time.Time {
	ahead := (int(target) - int(now.Weekday()) + 7) % 7
	if ahead == 0 {
		ahead = 7
	}
	return now.AddDate(0, 0, ahead)
}

func firstToken(s string) string {
	token, _, _ := strings.Cut(strings.TrimSpace(s), " ")
	return token
}
