// Пакет timeutil содержит служебные функции для работы со временем:
// парсинг таймзон (IANA и UTC-смещения), валидация и разбор формата HH:MM.
package timeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// ParseLocation разбирает либо IANA-таймзону (например, "America/Chicago"),
// либо UTC-смещение (например, "+03:00", "-0700", "UTC+3", "GMT-04:30").
// Возвращает *time.Location или ошибку.
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	// Try IANA first.
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	// Try to parse UTC offset forms.
	if loc, ok := ParseUTCOffsetToLocation(v); ok {
		return loc, nil
	}
	return nil, errors.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

// ParseUTCOffsetToLocation парсит строки вида "+03:00", "-0700", "UTC+3", "GMT-04:30" или "Z".
// Возвращает фиксированную таймзону и ok=true при успешном разборе.
func ParseUTCOffsetToLocation(value string) (*time.Location, bool) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "Z" || v == "UTC" || v == "GMT" {
		return time.FixedZone("UTC+00:00", 0), true
	}
	// Normalize optional UTC/GMT prefix
	v = strings.TrimPrefix(v, "UTC")
	v = strings.TrimPrefix(v, "GMT")
	v = strings.TrimSpace(v)
	// Patterns: +HH, -HH, +HHMM, -HHMM, +HH:MM, -HH:MM
	re := regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)
	m := re.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		mins, err = strconv.Atoi(m[3])
		if err != nil {
			return nil, false
		}
	}
	if hours < 0 || hours > 14 || mins < 0 || mins > 59 {
		return nil, false
	}
	const (
		secInHour = 60 * 60
		secInMin  = 60
	)
	offset := sign * ((hours * secInHour) + (mins * secInMin))
	name := fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins)
	return time.FixedZone(name, offset), true
}

// IsValidClock проверяет формат времени HH:MM и диапазоны часов/минут.
// Используется для настроек default_later_time / briefing_time.
func IsValidClock(value string) bool {
	_, _, err := ParseClock(value)
	return err == nil
}

// ParseClock разбирает строку "HH:MM" в пару (hour, minute) c проверкой диапазонов.
func ParseClock(value string) (int, int, error) {
	if len(value) != 5 || value[2] != ':' {
		return 0, 0, errors.Errorf("invalid clock %q: want HH:MM", value)
	}
	hour, err := strconv.Atoi(value[:2])
	if err != nil {
		return 0, 0, errors.Errorf("invalid clock %q: bad hour", value)
	}
	minute, err := strconv.Atoi(value[3:])
	if err != nil {
		return 0, 0, errors.Errorf("invalid clock %q: bad minute", value)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errors.Errorf("invalid clock %q: out of range", value)
	}
	return hour, minute, nil
}
