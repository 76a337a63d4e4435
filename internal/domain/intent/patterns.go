package intent

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"reminderd/internal/domain/timeparse"
)

// Лестница шаблонов. Список отсортирован по приоритету: первый сработавший
// шаблон формирует интент, остальные не рассматриваются. Обработчик может
// вернуть nil (например, когда время не разобралось), тогда поиск продолжается
// ниже по лестнице.
type pattern struct {
	re     *regexp.Regexp
	handle func(ctx *matchContext, m []string) *ReminderIntent
}

type matchContext struct {
	now time.Time
	loc *time.Location
}

const (
	dayAlt  = `mondays?|tuesdays?|wednesdays?|thursdays?|fridays?|saturdays?|sundays?`
	todAlt  = `morning|afternoon|evening|tonight`
	lead    = `^remind me (?:to |that |about )?`
	connect = `(?: to| that| about| for|:)?`
	helper  = `(?:help me |remind me to |remind me |please )?`
)

var negativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/`),
	regexp.MustCompile(`\bi (?:already |just )?(?:set|created|made) a reminder\b`),
	regexp.MustCompile(`\bhow do(?:es)? (?:the )?reminders? work\b`),
	regexp.MustCompile(`^(?:hi|hello|hey|yo|thanks|thank you|good (?:morning|afternoon|evening|night))[.!? ]*$`),
}

var ladder = []pattern{
	// Ярус 1: явное время с глаголом-триггером.
	{re: regexp.MustCompile(lead + `(.+) (today|tomorrow|` + dayAlt + `) (?:at|by) (.+)$`), handle: handleExplicitDayClock},
	{re: regexp.MustCompile(lead + `(.+) (?:at|by) (.+?) (today|tomorrow|` + dayAlt + `)$`), handle: handleExplicitClockDay},
	{re: regexp.MustCompile(lead + `(.+) (?:at|by) (.+)$`), handle: handleExplicitClock},
	{re: regexp.MustCompile(`^remind me (?:at|by) (.+?) (?:to|that|about) (.+)$`), handle: handleLeadingClock},
	// Ярус 2: разовое добавление в брифинг.
	{re: regexp.MustCompile(`^add to my (?:morning )?briefing:? (.+)$`), handle: handleBriefingAdd},
	// Ярус 3: повторяющийся пункт брифинга.
	{re: regexp.MustCompile(`^every (weekdays?|` + dayAlt + `) in my (?:morning )?briefing,? ` + helper + `(.+)$`), handle: handleBriefingRecurring},
	// Ярус 4: разовый пункт брифинга без дня.
	{re: regexp.MustCompile(`^in my (?:morning )?briefing,? ` + helper + `(.+)$`), handle: handleBriefingOneshot},
	// Ярус 5: императив без "remind me".
	{re: regexp.MustCompile(`^(?:set|create|add|schedule|make) (?:a |an )?(reminder|alarm)(?: for me)?` + connect + ` (.+)$`), handle: handleImperative},
	// Ярус 6: относительное время.
	{re: regexp.MustCompile(lead + `(.+) (in \d+ ?[a-z]+)$`), handle: handleRelative},
	// Ярус 7: день плюс время суток без конкретного часа.
	{re: regexp.MustCompile(lead + `(.+?)(?: (today|tomorrow|` + dayAlt + `))? (` + todAlt + `)$`), handle: handleTimeOfDay},
	// Ярус 8: просьба без времени.
	{re: regexp.MustCompile(lead + `(.+)$`), handle: handleSimpleRemind},
	// Ярус 9: повторение без брифинга.
	{re: regexp.MustCompile(`^every (weekdays?|` + dayAlt + `)(?: (` + todAlt + `))?,? ` + helper + `(.+)$`), handle: handleRecurring},
}

func (c *matchContext) base(msg string) *ReminderIntent {
	return &ReminderIntent{
		IntentType: TypeReminderCreate,
		Kind:       KindRemind,
		Message:    trimMessage(msg),
		Timezone:   c.loc.String(),
		Channels:   []string{DefaultChannel},
		Priority:   DefaultPriority,
	}
}

// resolveAt пробует превратить хвостовое выражение времени в момент.
// Принимает и чистые часы ("4:30 pm"), и часы с хвостовым днём
// ("9am tomorrow"), и самодостаточные выражения ("tomorrow at 9").
func (c *matchContext) resolveAt(expr string) (timeparse.Result, bool) {
	if res, err := timeparse.Parse("at "+expr, c.now, c.loc); err == nil && res.HasTime {
		return res, true
	}
	if day, clock, ok := splitTrailingDay(expr); ok {
		if res, err := timeparse.Parse(day+" at "+clock, c.now, c.loc); err == nil && res.HasTime {
			return res, true
		}
	}
	if res, err := timeparse.Parse(expr, c.now, c.loc); err == nil && res.HasTime {
		return res, true
	}
	return timeparse.Result{}, false
}

var reTrailingDay = regexp.MustCompile(`^(.+) (today|tomorrow|` + dayAlt + `)$`)

func splitTrailingDay(expr string) (day, rest string, ok bool) {
	m := reTrailingDay.FindStringSubmatch(expr)
	if m == nil {
		return "", "", false
	}
	return m[2], m[1], true
}

func handleExplicitDayClock(ctx *matchContext, m []string) *ReminderIntent {
	res, err := timeparse.Parse(m[2]+" at "+m[3], ctx.now, ctx.loc)
	if err != nil || !res.HasTime {
		return nil
	}
	ri := ctx.base(m[1])
	ri.DueAt = &res.At
	ri.Partial = res.Partial
	ri.Confidence = 0.95
	return ri
}

func handleExplicitClockDay(ctx *matchContext, m []string) *ReminderIntent {
	res, err := timeparse.Parse(m[3]+" at "+m[2], ctx.now, ctx.loc)
	if err != nil || !res.HasTime {
		return nil
	}
	ri := ctx.base(m[1])
	ri.DueAt = &res.At
	ri.Partial = res.Partial
	ri.Confidence = 0.95
	return ri
}

func handleExplicitClock(ctx *matchContext, m []string) *ReminderIntent {
	res, ok := ctx.resolveAt(m[2])
	if !ok {
		return nil
	}
	ri := ctx.base(m[1])
	ri.DueAt = &res.At
	ri.Partial = res.Partial
	ri.Confidence = 0.95
	return ri
}

func handleLeadingClock(ctx *matchContext, m []string) *ReminderIntent {
	res, ok := ctx.resolveAt(m[1])
	if !ok {
		return nil
	}
	ri := ctx.base(m[2])
	ri.DueAt = &res.At
	ri.Partial = res.Partial
	ri.Confidence = 0.95
	return ri
}

func handleBriefingAdd(ctx *matchContext, m []string) *ReminderIntent {
	ri := ctx.base(m[1])
	ri.Channels = []string{BriefingChannel}
	ri.Confidence = 0.90
	ri.NeedsClarification = true
	ri.ClarifyingQuestion = "What day and time for this briefing?"
	return ri
}

func handleBriefingRecurring(ctx *matchContext, m []string) *ReminderIntent {
	day := canonicalDay(m[1])
	ri := ctx.base(m[2])
	ri.Channels = []string{BriefingChannel}
	ri.Recurrence = day + "_morning"
	ri.Confidence = 0.90
	ri.NeedsClarification = true
	ri.ClarifyingQuestion = fmt.Sprintf("What time morning on %s?", day)
	return ri
}

func handleBriefingOneshot(ctx *matchContext, m []string) *ReminderIntent {
	ri := ctx.base(m[1])
	ri.Channels = []string{BriefingChannel}
	ri.Confidence = 0.85
	ri.NeedsClarification = true
	ri.ClarifyingQuestion = "What day and time for this briefing?"
	return ri
}

var (
	reTailDayClock  = regexp.MustCompile(`^(.+) (today|tomorrow|` + dayAlt + `) (?:at|by) (.+)$`)
	reTailClock     = regexp.MustCompile(`^(.+) (?:at|by) (.+)$`)
	reTailRelative  = regexp.MustCompile(`^(.+) (in \d+ ?[a-z]+)$`)
	reTailTimeOfDay = regexp.MustCompile(`^(.+?)(?: (today|tomorrow|` + dayAlt + `))? (` + todAlt + `)$`)
	reTailDay       = regexp.MustCompile(`^(.+) (today|tomorrow|` + dayAlt + `)$`)
)

func handleImperative(ctx *matchContext, m []string) *ReminderIntent {
	payload := m[2]

	kind := KindRemind
	if m[1] == "alarm" {
		kind = KindAlarm
	}

	finish := func(ri *ReminderIntent) *ReminderIntent {
		ri.Kind = kind
		ri.Confidence = 0.90
		return ri
	}

	// "set an alarm for 7am": весь хвост является временем, текста задачи нет.
	if res, ok := ctx.resolveAt(payload); ok {
		ri := ctx.base(m[1])
		ri.DueAt = &res.At
		ri.Partial = res.Partial
		return finish(ri)
	}

	if tm := reTailDayClock.FindStringSubmatch(payload); tm != nil {
		if res, err := timeparse.Parse(tm[2]+" at "+tm[3], ctx.now, ctx.loc); err == nil && res.HasTime {
			ri := ctx.base(tm[1])
			ri.DueAt = &res.At
			ri.Partial = res.Partial
			return finish(ri)
		}
	}
	if tm := reTailClock.FindStringSubmatch(payload); tm != nil {
		if res, ok := ctx.resolveAt(tm[2]); ok {
			ri := ctx.base(tm[1])
			ri.DueAt = &res.At
			ri.Partial = res.Partial
			return finish(ri)
		}
	}
	if tm := reTailRelative.FindStringSubmatch(payload); tm != nil {
		if res, err := timeparse.Parse(tm[2], ctx.now, ctx.loc); err == nil && res.HasTime {
			ri := ctx.base(tm[1])
			ri.DueAt = &res.At
			return finish(ri)
		}
	}
	if tm := reTailTimeOfDay.FindStringSubmatch(payload); tm != nil {
		ri := ctx.base(tm[1])
		ri.Partial = timeparse.Partial{Day: defaultDay(tm[2]), TimeOfDay: tm[3]}
		ri.NeedsClarification = true
		ri.ClarifyingQuestion = timeOfDayQuestion(tm[2], tm[3])
		return finish(ri)
	}
	if tm := reTailDay.FindStringSubmatch(payload); tm != nil {
		ri := ctx.base(tm[1])
		ri.Partial = timeparse.Partial{Day: canonicalDay(tm[2])}
		ri.NeedsClarification = true
		ri.ClarifyingQuestion = fmt.Sprintf("What time on %s?", canonicalDay(tm[2]))
		return finish(ri)
	}

	ri := ctx.base(payload)
	ri.NeedsClarification = true
	ri.ClarifyingQuestion = "When would you like to be reminded?"
	return finish(ri)
}

func handleRelative(ctx *matchContext, m []string) *ReminderIntent {
	res, err := timeparse.Parse(m[2], ctx.now, ctx.loc)
	if err != nil || !res.HasTime {
		return nil
	}
	ri := ctx.base(m[1])
	ri.DueAt = &res.At
	ri.Confidence = 0.90
	return ri
}

func handleTimeOfDay(ctx *matchContext, m []string) *ReminderIntent {
	ri := ctx.base(m[1])
	ri.Partial = timeparse.Partial{Day: defaultDay(m[2]), TimeOfDay: m[3]}
	ri.Confidence = 0.80
	ri.NeedsClarification = true
	ri.ClarifyingQuestion = timeOfDayQuestion(m[2], m[3])
	return ri
}

func handleSimpleRemind(ctx *matchContext, m []string) *ReminderIntent {
	ri := ctx.base(m[1])
	ri.Confidence = 0.60
	ri.NeedsClarification = true
	ri.ClarifyingQuestion = "When would you like to be reminded?"
	return ri
}

func handleRecurring(ctx *matchContext, m []string) *ReminderIntent {
	day := canonicalDay(m[1])
	ri := ctx.base(m[3])
	ri.Recurrence = day
	if m[2] != "" {
		ri.Recurrence = day + "_" + m[2]
	}
	ri.Confidence = 0.75
	ri.NeedsClarification = true
	ri.ClarifyingQuestion = fmt.Sprintf("What time on %s?", day)
	return ri
}

// canonicalDay приводит захваченный день к единственному числу:
// "weekdays" -> "weekday", "fridays" -> "friday".
func canonicalDay(day string) string {
	return strings.TrimSuffix(day, "s")
}

func defaultDay(day string) string {
	if day == "" {
		return "today"
	}
	return canonicalDay(day)
}

func timeOfDayQuestion(day, tod string) string {
	if day == "" || day == "today" {
		return fmt.Sprintf("What time %s?", tod)
	}
	return fmt.Sprintf("What time %s %s?", canonicalDay(day), tod)
}
