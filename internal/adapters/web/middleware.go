package web

import (
	"net/http"
	"strings"

	"github.com/go-faster/errors"

	"reminderd/internal/infra/logger"
	"reminderd/internal/shared"
)

// loggingMiddleware логирует все запросы.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("HTTP %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// authorize проверяет общий токен мутирующего запроса: либо заголовок
// Authorization: Bearer, либо поле token в JSON-теле (bodyToken). Пустой
// настроенный токен означает открытый доступ.
func (s *Server) authorize(r *http.Request, bodyToken string) error {
	if s.token == "" {
		return nil
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if bearer == s.token {
			return nil
		}
		return errors.Wrap(shared.ErrAuth, "bad bearer token")
	}
	if bodyToken == s.token {
		return nil
	}
	if bodyToken == "" {
		return errors.Wrap(shared.ErrAuth, "missing token")
	}
	return errors.Wrap(shared.ErrAuth, "bad token")
}
