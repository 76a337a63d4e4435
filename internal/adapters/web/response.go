package web

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-faster/errors"

	"reminderd/internal/infra/logger"
	"reminderd/internal/shared"
)

// errorBody — каноничный формат ошибки API.
type errorBody struct {
	Error string `json:"error"`
}

// statusFor переводит доменные ошибки-сентинелы в коды HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrPolicy):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrState):
		return http.StatusConflict
	case errors.Is(err, shared.ErrGone), errors.Is(err, shared.ErrExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// writeError сериализует ошибку. Внутренние ошибки наружу не детализируются.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger.Errorf("Web: internal error: %v", err)
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Error: msg})
}

// writeJSON пишет ответ с кодом и телом.
func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("Web: encode response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	writeResponse(w, data)
}

// writeRaw отдаёт заранее сериализованные байты (повтор идемпотентного
// колбэка возвращается байт в байт).
func writeRaw(w http.ResponseWriter, code int, data []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	writeResponse(w, data)
}

// writeResponse пишет тело с логированием ошибки записи.
func writeResponse(w http.ResponseWriter, data []byte) {
	if _, err := w.Write(data); err != nil {
		logger.Errorf("Web: failed to write response: %v", err)
	}
}

// decodeBody разбирает JSON-тело в out; пустое тело допустимо, когда
// allowEmpty истинно.
func decodeBody(r *http.Request, out any, allowEmpty bool) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrapf(shared.ErrValidation, "bad json payload: %v", err)
	}
	return nil
}
