package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"

	"reminderd/internal/domain/commands"
	"reminderd/internal/domain/idempotency"
	"reminderd/internal/domain/timeparse"
	"reminderd/internal/infra/logger"
	"reminderd/internal/infra/timeutil"
	"reminderd/internal/shared"
)

// callbackDedupeTTL — окно идемпотентности колбэков действий.
const callbackDedupeTTL = time.Minute

// createBody — тело POST /api/reminders. message+remind_at — структурный
// путь; text — путь естественного языка. channel — дореформенное поле с
// одним каналом.
type createBody struct {
	Message    string          `json:"message"`
	Text       string          `json:"text"`
	RemindAt   json.RawMessage `json:"remind_at"`
	Kind       string          `json:"kind"`
	Channels   []string        `json:"channels"`
	Channel    string          `json:"channel"`
	Priority   int             `json:"priority"`
	Timezone   string          `json:"timezone"`
	ContextRef string          `json:"context_ref"`
	DedupeKey  string          `json:"dedupe_key"`
	Token      string          `json:"token"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, body.Token); err != nil {
		writeError(w, err)
		return
	}
	sid := sessionID(r)

	if body.Message == "" && body.Text != "" {
		outcome, err := s.exec.CreateFromText(r.Context(), sid, body.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		if outcome.Draft != nil {
			writeJSON(w, http.StatusAccepted, outcome.Draft)
			return
		}
		writeJSON(w, http.StatusCreated, outcome.Receipt)
		return
	}

	dueAt, err := s.parseRemindAt(body.RemindAt, body.Timezone)
	if err != nil {
		writeError(w, err)
		return
	}
	channels := body.Channels
	if len(channels) == 0 && body.Channel != "" {
		channels = []string{body.Channel}
	}

	receipt, err := s.exec.Create(commands.CreateRequest{
		SessionID:  sid,
		Message:    body.Message,
		DueAt:      dueAt,
		Kind:       body.Kind,
		Channels:   channels,
		Priority:   body.Priority,
		Timezone:   body.Timezone,
		ContextRef: body.ContextRef,
		DedupeKey:  body.DedupeKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if receipt.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, receipt)
}

// parseRemindAt принимает Unix-секунды или любое выражение разборщика
// времени, в зоне тела запроса либо серверной по умолчанию.
func (s *Server) parseRemindAt(raw json.RawMessage, tz string) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, errors.Wrap(shared.ErrValidation, "remind_at is required")
	}

	var unix int64
	if err := json.Unmarshal(raw, &unix); err == nil {
		return time.Unix(unix, 0), nil
	}

	var expr string
	if err := json.Unmarshal(raw, &expr); err != nil {
		return time.Time{}, errors.Wrap(shared.ErrValidation, "remind_at must be a string or unix seconds")
	}

	loc := s.loc
	if tz != "" {
		parsed, err := timeutil.ParseLocation(tz)
		if err != nil {
			return time.Time{}, errors.Wrapf(shared.ErrValidation, "bad timezone %q", tz)
		}
		loc = parsed
	}

	res, err := timeparse.Parse(expr, s.now(), loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(shared.ErrValidation, "bad remind_at: %v", err)
	}
	if !res.HasTime {
		return time.Time{}, errors.Wrapf(shared.ErrValidation, "remind_at %q lacks a concrete time", expr)
	}
	return res.At, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "scheduled"
	}
	list, err := s.exec.List(status)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []commands.Reminder{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	reminder, err := s.exec.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reminder)
}

// actionBody — тело колбэка действия.
type actionBody struct {
	Action string `json:"action"`
	Token  string `json:"token"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body actionBody
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, body.Token); err != nil {
		writeError(w, err)
		return
	}
	if body.Action == "" {
		writeError(w, errors.Wrap(shared.ErrValidation, "action is required"))
		return
	}

	// Повтор в пределах окна получает записанный ранее ответ байт в байт,
	// без повторного применения действия.
	key := idempotency.CallbackKey(id, body.Action)
	duplicate, prior, err := s.idem.Reserve(key, s.now(), callbackDedupeTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	if duplicate {
		logger.Debugf("Web: duplicate callback %s", key)
		if len(prior) > 0 {
			writeRaw(w, http.StatusOK, prior)
			return
		}
		// Первый вызов ещё в полёте: отдаём текущее состояние строки.
		reminder, err := s.exec.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reminder)
		return
	}

	receipt, err := s.exec.Action(r.Context(), sessionID(r), id, body.Action)
	if err != nil {
		// Неудача не запоминается: повтор должен снова пройти через Action
		// и получить тот же детерминированный отказ, а не снимок состояния.
		if relErr := s.idem.Release(key); relErr != nil {
			logger.Warnf("Web: callback key release failed: %v", relErr)
		}
		writeError(w, err)
		return
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.idem.StoreResponse(key, data); err != nil {
		logger.Warnf("Web: callback dedupe store failed: %v", err)
	}
	writeRaw(w, http.StatusOK, data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health, err := s.exec.Health()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// undoBody — тело POST /api/undo: откат по undo-токену либо последнего
// действия сессии. auth_token — общий токен авторизации (альтернатива
// заголовку Bearer); token здесь — токен отката.
type undoBody struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	AuthToken string `json:"auth_token"`
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	var body undoBody
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, body.AuthToken); err != nil {
		writeError(w, err)
		return
	}
	sid := body.SessionID
	if sid == "" {
		sid = sessionID(r)
	}

	var (
		res commands.UndoResult
		err error
	)
	if body.Token != "" {
		res, err = s.exec.Undo(sid, body.Token)
	} else {
		res, err = s.exec.UndoLast(sid)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDrafts(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session")
	if sid == "" {
		sid = sessionID(r)
	}
	list, err := s.exec.Drafts(sid)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []commands.Draft{}
	}
	writeJSON(w, http.StatusOK, list)
}

// draftAuthBody — тело подтверждения черновика.
type draftAuthBody struct {
	Token string `json:"token"`
}

func (s *Server) handleDraftConfirm(w http.ResponseWriter, r *http.Request) {
	var body draftAuthBody
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, body.Token); err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.exec.ConfirmDraft(sessionID(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// draftModifyBody — тело кросс-сообщенческой правки черновика.
type draftModifyBody struct {
	Text  string `json:"text"`
	Token string `json:"token"`
}

func (s *Server) handleDraftModify(w http.ResponseWriter, r *http.Request) {
	var body draftModifyBody
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, body.Token); err != nil {
		writeError(w, err)
		return
	}
	if body.Text == "" {
		writeError(w, errors.Wrap(shared.ErrValidation, "text is required"))
		return
	}
	draft, changed, err := s.exec.ModifyDraft(sessionID(r), r.PathValue("id"), body.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"draft":   draft,
		"changed": changed,
	})
}

func (s *Server) handlePrefsGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Preferences(r.PathValue("session")))
}

// prefsBody — тело PUT настроек; token принимается и в теле, и Bearer'ом.
type prefsBody struct {
	commands.Preferences
	Token string `json:"token"`
}

func (s *Server) handlePrefsPut(w http.ResponseWriter, r *http.Request) {
	var body prefsBody
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, body.Token); err != nil {
		writeError(w, err)
		return
	}
	session := r.PathValue("session")
	if err := s.exec.SetPreferences(session, body.Preferences); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.exec.Preferences(session))
}

// pathID разбирает числовой {id} из пути.
func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(shared.ErrValidation, "bad reminder id %q", r.PathValue("id"))
	}
	return id, nil
}
