package shared

import "github.com/go-faster/errors"

// Сентинели доменных ошибок. Слои выше сравнивают их через errors.Is и
// переводят в коды ответов: HTTP-адаптер в статусы, CLI в коды выхода.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrState      = errors.New("illegal state transition")
	ErrAuth       = errors.New("unauthorized")
	ErrPolicy     = errors.New("refused by policy")
	ErrGone       = errors.New("undo window expired")
	ErrExpired    = errors.New("draft expired")
	ErrDuplicate  = errors.New("duplicate request")
)
