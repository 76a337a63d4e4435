package cli

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"

	"reminderd/internal/infra/pr"
)

// Коды выхода клиентских команд.
const (
	ExitOK          = 0
	ExitRejected    = 1
	ExitUsage       = 2
	ExitUnreachable = 3
)

// exitCodeFor переводит ошибку клиента в код выхода.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUnreachable):
		return ExitUnreachable
	default:
		return ExitRejected
	}
}

// splitMessageArgs отделяет ведущие позиционные слова (текст напоминания)
// от флагов: "add MSG --when EXPR" и "add --when EXPR MSG" равнозначны.
func splitMessageArgs(args []string) (message string, flags []string) {
	var words []string
	for i, a := range args {
		if strings.HasPrefix(a, "-") {
			return strings.Join(words, " "), args[i:]
		}
		words = append(words, a)
	}
	return strings.Join(words, " "), nil
}

// RunAdd — команда add: создаёт напоминание через API демона.
// Без --when текст уходит в распознаватель целиком (может вернуть черновик).
func RunAdd(c *Client, args []string) int {
	message, flagArgs := splitMessageArgs(args)

	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(pr.Stderr())
	when := fs.String("when", "", "time expression (omit to parse the whole message)")
	kind := fs.String("kind", "", "REMIND or ALARM")
	channels := fs.String("channels", "", "comma-separated delivery channels")
	tz := fs.String("tz", "", "IANA timezone for --when")
	priority := fs.Int("priority", 0, "priority 1..10")
	asJSON := fs.Bool("json", false, "print the raw response")
	if err := fs.Parse(flagArgs); err != nil {
		return ExitUsage
	}
	if rest := strings.Join(fs.Args(), " "); rest != "" {
		if message != "" {
			message += " "
		}
		message += rest
	}
	if message == "" {
		pr.ErrPrintln("usage: add MSG --when EXPR [--kind K] [--channels a,b] [--tz ZONE] [--priority N] [--json]")
		return ExitUsage
	}

	body := map[string]any{}
	if *when == "" {
		body["text"] = message
	} else {
		body["message"] = message
		body["remind_at"] = *when
	}
	if *kind != "" {
		body["kind"] = *kind
	}
	if *channels != "" {
		body["channels"] = strings.Split(*channels, ",")
	}
	if *tz != "" {
		body["timezone"] = *tz
	}
	if *priority != 0 {
		body["priority"] = *priority
	}

	var (
		resp createResponse
		raw  []byte
	)
	if err := c.do("POST", "/api/reminders", body, &resp, &raw); err != nil {
		pr.ErrPrintln("add:", err)
		return exitCodeFor(err)
	}
	if *asJSON {
		pr.Println(string(raw))
		return ExitOK
	}
	pr.Println(resp.summary())
	return ExitOK
}

// RunList — команда list: печатает напоминания демона.
func RunList(c *Client, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(pr.Stderr())
	all := fs.Bool("all", false, "include every status")
	status := fs.String("status", "", "filter by status")
	asJSON := fs.Bool("json", false, "print the raw response")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}

	filter := "scheduled"
	if *status != "" {
		filter = *status
	}
	if *all {
		filter = "all"
	}

	var (
		list []listEntry
		raw  []byte
	)
	if err := c.do("GET", "/api/reminders?status="+filter, nil, &list, &raw); err != nil {
		pr.ErrPrintln("list:", err)
		return exitCodeFor(err)
	}
	if *asJSON {
		pr.Println(string(raw))
		return ExitOK
	}
	if len(list) == 0 {
		pr.Printf("No %s reminders.\n", filter)
		return ExitOK
	}
	for _, r := range list {
		pr.Println(r.line())
	}
	return ExitOK
}

// listEntry — усечённая строка ответа list для человекочитаемого вывода.
type listEntry struct {
	ID       uint64   `json:"id"`
	Status   string   `json:"status"`
	DueAt    int64    `json:"due_at"`
	Priority int      `json:"priority"`
	Channels []string `json:"channels"`
	Message  string   `json:"message"`
}

func (r *listEntry) line() string {
	due := timeRFC3339(r.DueAt)
	return fmt.Sprintf("#%d [%s] %s p%d (%s) %s",
		r.ID, r.Status, due, r.Priority, strings.Join(r.Channels, ","), r.Message)
}

// RunCancel — команда cancel ID.
func RunCancel(c *Client, args []string) int {
	if len(args) != 1 {
		pr.ErrPrintln("usage: cancel ID")
		return ExitUsage
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		pr.ErrPrintln("bad id:", args[0])
		return ExitUsage
	}

	body := map[string]string{"action": "CANCEL"}
	var resp createResponse
	if err := c.do("POST", fmt.Sprintf("/api/reminders/%d/action", id), body, &resp, nil); err != nil {
		pr.ErrPrintln("cancel:", err)
		return exitCodeFor(err)
	}
	line := fmt.Sprintf("Canceled reminder #%d", resp.ID)
	if resp.UndoToken != "" {
		line += fmt.Sprintf(" (undo: %s)", resp.UndoToken)
	}
	pr.Println(line)
	return ExitOK
}

// RunUndo — команда undo TOKEN.
func RunUndo(c *Client, args []string) int {
	if len(args) != 1 {
		pr.ErrPrintln("usage: undo TOKEN")
		return ExitUsage
	}

	body := map[string]string{"token": args[0]}
	var resp struct {
		Operation string `json:"operation"`
		EntityID  uint64 `json:"entity_id"`
		UndoToken string `json:"undo_token"`
	}
	if err := c.do("POST", "/api/undo", body, &resp, nil); err != nil {
		pr.ErrPrintln("undo:", err)
		return exitCodeFor(err)
	}
	line := fmt.Sprintf("Reversed %s of reminder #%d", resp.Operation, resp.EntityID)
	if resp.UndoToken != "" {
		line += fmt.Sprintf(" (redo: undo %s)", resp.UndoToken)
	}
	pr.Println(line)
	return ExitOK
}
