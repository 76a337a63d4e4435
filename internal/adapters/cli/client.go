package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Ошибки клиента, определяющие код выхода процесса.
var (
	// ErrUnreachable — демон не отвечает (exit-код 3).
	ErrUnreachable = errors.New("service unreachable")
	// ErrRejected — демон отверг запрос (exit-код 1).
	ErrRejected = errors.New("request rejected")
)

// clientTimeout — дедлайн одного запроса клиентских команд.
const clientTimeout = 10 * time.Second

// clientSessionID атрибутирует действия клиентских команд в журнале.
const clientSessionID = "cli"

// Client — тонкий HTTP-клиент API работающего демона.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient собирает клиент поверх адреса демона ("127.0.0.1:8787").
func NewClient(addr, token string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		token:   token,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

// do выполняет один запрос. Сетевой сбой оборачивается в ErrUnreachable,
// не-2xx ответ — в ErrRejected с сообщением сервера. raw получает тело
// ответа байт в байт, out — разобранный JSON; оба опциональны.
func (c *Client) do(method, path string, body, out any, raw *[]byte) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", clientSessionID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(ErrUnreachable, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if raw != nil {
		*raw = data
	}

	if resp.StatusCode >= 400 {
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Error != "" {
			return errors.Wrapf(ErrRejected, "%s", msg.Error)
		}
		return errors.Wrapf(ErrRejected, "http %d", resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

// createResponse — объединённый ответ POST /api/reminders: либо квитанция,
// либо черновик с уточняющим вопросом.
type createResponse struct {
	ID                 uint64   `json:"id"`
	Status             string   `json:"status"`
	DueAt              int64    `json:"due_at"`
	Channels           []string `json:"channels"`
	UndoToken          string   `json:"undo_token"`
	Duplicate          bool     `json:"duplicate"`
	DraftID            string   `json:"draft_id"`
	ClarifyingQuestion string   `json:"clarifying_question"`
}

func (r *createResponse) isDraft() bool { return r.DraftID != "" }

func (r *createResponse) summary() string {
	if r.isDraft() {
		return fmt.Sprintf("Needs clarification: %s (draft %s)", r.ClarifyingQuestion, r.DraftID)
	}
	due := time.Unix(r.DueAt, 0).Local().Format(time.RFC3339)
	line := fmt.Sprintf("Created reminder #%d due %s via %s", r.ID, due, strings.Join(r.Channels, ","))
	if r.Duplicate {
		line = fmt.Sprintf("Duplicate of reminder #%d (dropped)", r.ID)
	}
	if r.UndoToken != "" {
		line += fmt.Sprintf(" (undo: %s)", r.UndoToken)
	}
	return line
}
