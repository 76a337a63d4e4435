package reminders

import (
	"strings"
	"unicode/utf8"

	"github.com/go-faster/errors"

	"reminderd/internal/shared"
)

// Пределы защиты от "убежавшего" генеративного текста в теле напоминания.
const (
	maxMessageBytes    = 20 * 1024
	tokenLoopThreshold = 10
)

// GuardMessage проверяет и нормализует тело напоминания перед записью.
// Пустой текст отвергается как ошибка валидации; текст с циклом токенов
// (один и тот же токен десять и более раз подряд либо слово "assistant"
// чаще десяти раз) отвергается политикой; слишком длинный текст молча
// подрезается до 20 КБ по границе руны.
func GuardMessage(msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", errors.Wrap(shared.ErrValidation, "empty message")
	}
	if tok, looped := tokenLoop(msg); looped {
		return "", errors.Wrapf(shared.ErrPolicy, "token loop detected: %q", tok)
	}
	if strings.Count(strings.ToLower(msg), "assistant") > tokenLoopThreshold {
		return "", errors.Wrap(shared.ErrPolicy, "runaway assistant echo detected")
	}
	if len(msg) > maxMessageBytes {
		msg = truncateRuneSafe(msg, maxMessageBytes)
	}
	return msg, nil
}

// tokenLoop ищет tokenLoopThreshold одинаковых токенов подряд.
func tokenLoop(msg string) (string, bool) {
	var prev string
	run := 0
	for _, tok := range strings.Fields(msg) {
		if tok == prev {
			run++
			if run >= tokenLoopThreshold {
				return tok, true
			}
			continue
		}
		prev = tok
		run = 1
	}
	return "", false
}

// truncateRuneSafe обрезает строку до limit байт, не разрывая руну.
func truncateRuneSafe(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
