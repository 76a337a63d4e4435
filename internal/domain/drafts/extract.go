package drafts

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"reminderd/internal/domain/intent"
	"reminderd/internal/domain/timeparse"
)

// Экстракторы кросс-сообщенческих правок: "make that high priority",
// "change the time to 9am", "every weekday", "make it say call mom".
// Каждый патчит одно поле интента; остальные поля не трогаются.
var (
	rePriorityWord = regexp.MustCompile(`(?i)\b(urgent|high|medium|normal|low)\s+priority\b`)
	rePriorityNum  = regexp.MustCompile(`(?i)\bpriority\s+(?:to\s+)?(\d{1,2})\b`)
	reTimeTo       = regexp.MustCompile(`(?i)\b(?:time|it|that)\s+(?:to|at)\s+(.+)$`)
	reCadence      = regexp.MustCompile(`(?i)\bevery\s+(day|weekday|morning|week|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	reText         = regexp.MustCompile(`(?i)\b(?:(?:change|set)\s+the\s+(?:text|message)\s+to|make\s+it\s+say)\s+(.+)$`)
)

// priorityWords — шкала словесных приоритетов в доменных 1..10.
var priorityWords = map[string]int{
	"urgent": 10,
	"high":   8,
	"medium": 5,
	"normal": 5,
	"low":    2,
}

// applyExtractors прогоняет текст правки через экстракторы и возвращает
// имена изменённых полей в порядке применения.
func applyExtractors(ri *intent.ReminderIntent, text string, now time.Time, loc *time.Location) []string {
	var changed []string
	text = strings.TrimSpace(text)

	if msg, ok := extractText(text); ok {
		ri.Message = msg
		changed = append(changed, "text")
		// Правка текста исчерпывает сообщение целиком: остаток не является
		// временем или приоритетом.
		return changed
	}
	if p, ok := extractPriority(text); ok {
		ri.Priority = p
		changed = append(changed, "priority")
	}
	if cadence, ok := extractCadence(text); ok {
		ri.Recurrence = cadence
		changed = append(changed, "cadence")
	}
	if at, ok := extractTime(text, now, loc); ok {
		ri.DueAt = &at
		changed = append(changed, "time")
	}
	return changed
}

func extractPriority(text string) (int, bool) {
	if m := rePriorityWord.FindStringSubmatch(text); m != nil {
		return priorityWords[strings.ToLower(m[1])], true
	}
	if m := rePriorityNum.FindStringSubmatch(text); m != nil {
		p, err := strconv.Atoi(m[1])
		if err == nil && p >= 1 && p <= 10 {
			return p, true
		}
	}
	return 0, false
}

func extractCadence(text string) (string, bool) {
	if m := reCadence.FindStringSubmatch(text); m != nil {
		return "every " + strings.ToLower(m[1]), true
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "daily") {
		return "every day", true
	}
	if strings.Contains(lower, "weekly") {
		return "every week", true
	}
	return "", false
}

// extractTime сначала ищет явное "time to <expr>", затем пробует разобрать
// весь текст как временное выражение ("tomorrow at 9am").
func extractTime(text string, now time.Time, loc *time.Location) (time.Time, bool) {
	if m := reTimeTo.FindStringSubmatch(text); m != nil {
		if res, err := timeparse.Parse(m[1], now, loc); err == nil && res.HasTime {
			return res.At, true
		}
	}
	if res, err := timeparse.Parse(text, now, loc); err == nil && res.HasTime {
		return res.At, true
	}
	return time.Time{}, false
}

func extractText(text string) (string, bool) {
	if m := reText.FindStringSubmatch(text); m != nil {
		msg := strings.TrimSpace(m[1])
		if msg != "" {
			return msg, true
		}
	}
	return "", false
}
