// Пакет web — HTTP-поверхность сервиса: создание напоминаний, колбэки
// кнопок, health, undo, черновики и настройки. Вся бизнес-логика живёт в
// слое команд; здесь только разбор запросов, авторизация, идемпотентность
// колбэков и перевод ошибок в коды HTTP.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"

	"reminderd/internal/domain/commands"
	"reminderd/internal/domain/idempotency"
	"reminderd/internal/infra/logger"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// defaultSessionID подставляется, когда клиент не прислал X-Session-ID.
const defaultSessionID = "api"

// Options — параметры сервера. ActionToken пустой — колбэки открыты
// (режим доверенной локальной сети).
type Options struct {
	Executor        *commands.Executor
	Idempotency     *idempotency.Store
	Addr            string
	ActionToken     string
	DefaultLocation *time.Location
	Clock           func() time.Time
}

// Server — HTTP-сервер API.
type Server struct {
	srv   *http.Server
	exec  *commands.Executor
	idem  *idempotency.Store
	token string
	loc   *time.Location
	now   func() time.Time
}

// NewServer настраивает роутинг и таймауты. Паттерны Go 1.22 разводят
// литеральный /api/reminders/health и параметрический /api/reminders/{id}
// без ручного диспетчера.
func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DefaultLocation == nil {
		opts.DefaultLocation = time.UTC
	}
	s := &Server{
		exec:  opts.Executor,
		idem:  opts.Idempotency,
		token: opts.ActionToken,
		loc:   opts.DefaultLocation,
		now:   opts.Clock,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleLiveness)

	mux.HandleFunc("POST /api/reminders", s.handleCreate)
	mux.HandleFunc("GET /api/reminders", s.handleList)
	mux.HandleFunc("GET /api/reminders/health", s.handleHealth)
	mux.HandleFunc("GET /api/reminders/{id}", s.handleGet)
	mux.HandleFunc("POST /api/reminders/{id}/action", s.handleAction)

	mux.HandleFunc("POST /api/undo", s.handleUndo)

	mux.HandleFunc("GET /api/drafts", s.handleDrafts)
	mux.HandleFunc("POST /api/drafts/{id}/confirm", s.handleDraftConfirm)
	mux.HandleFunc("POST /api/drafts/{id}/modify", s.handleDraftModify)

	mux.HandleFunc("GET /api/prefs/{session}", s.handlePrefsGet)
	mux.HandleFunc("PUT /api/prefs/{session}", s.handlePrefsPut)

	s.srv = &http.Server{
		Addr:         opts.Addr,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler отдаёт корневой обработчик сервера (встраивание и httptest).
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start запускает сервер и блокируется до остановки.
func (s *Server) Start() error {
	logger.Infof("Web: listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "web server")
	}
	return nil
}

// Shutdown корректно останавливает сервер в пределах дедлайна ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Web: shutting down...")
	return s.srv.Shutdown(ctx)
}

// handleLiveness — публичный пинг без авторизации.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	writeResponse(w, []byte("OK"))
}

// sessionID достаёт атрибуцию сессии из заголовка.
func sessionID(r *http.Request) string {
	if sid := r.Header.Get("X-Session-ID"); sid != "" {
		return sid
	}
	return defaultSessionID
}
