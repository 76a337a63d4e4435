package cli

import (
	"fmt"
	"strings"
	"time"

	"reminderd/internal/domain/commands"
	"reminderd/internal/domain/reminders"
)

// timeRFC3339 печатает Unix-секунды в локальной зоне процесса.
func timeRFC3339(sec int64) string {
	return time.Unix(sec, 0).Local().Format(time.RFC3339)
}

// formatReminderLine — одна строка списка: id, статус, срок, каналы, текст.
func formatReminderLine(r *commands.Reminder) string {
	due := time.Unix(r.DueAt, 0).UTC().Format(time.RFC3339)
	msg := r.Message
	const maxLen = 60
	if len(msg) > maxLen {
		msg = msg[:maxLen-3] + "..."
	}
	return fmt.Sprintf("#%d [%s] %s p%d (%s) %s",
		r.ID, r.Status, due, r.Priority, strings.Join(r.Channels, ","), msg)
}

// formatDueLine — строка команды due: остаток времени до срабатывания.
func formatDueLine(r *commands.Reminder, nowSec int64) string {
	remaining := r.DueAt - nowSec
	var eta string
	switch {
	case remaining <= 0:
		eta = "overdue"
	case remaining < 3600:
		eta = fmt.Sprintf("in %dm", remaining/60)
	case remaining < 86400:
		eta = fmt.Sprintf("in %dh%02dm", remaining/3600, remaining%3600/60)
	default:
		eta = fmt.Sprintf("in %dd", remaining/86400)
	}
	return fmt.Sprintf("#%d %s: %s", r.ID, eta, r.Message)
}

// formatAuditLines раскладывает журнал аудита по строкам с отступом.
func formatAuditLines(entries []reminders.AuditEntry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		ts := time.Unix(e.TS, 0).UTC().Format(time.RFC3339)
		line := fmt.Sprintf("  %s %s/%s", ts, e.Action, e.Actor)
		if e.Details != "" {
			line += " " + e.Details
		}
		lines = append(lines, line)
	}
	return lines
}

// formatHealth — строки команды status.
func formatHealth(h commands.HealthResult) []string {
	lines := []string{fmt.Sprintf("Status: %s", h.Status)}

	if h.Scheduler.LastHeartbeat == 0 {
		lines = append(lines, "Scheduler: no heartbeat yet")
	} else {
		alive := "alive"
		if !h.Scheduler.IsAlive {
			alive = "stale"
		}
		lines = append(lines, fmt.Sprintf("Scheduler: %s, last heartbeat %ds ago", alive, h.Scheduler.HeartbeatAgeSec))
	}

	if h.Reminders.ScheduledCount == 0 {
		lines = append(lines, "Scheduled: none")
	} else {
		next := time.Unix(h.Reminders.NextDueAt, 0).UTC().Format(time.RFC3339)
		lines = append(lines, fmt.Sprintf("Scheduled: %d, next due %s (%ds)",
			h.Reminders.ScheduledCount, next, h.Reminders.NextDueInSec))
	}

	if h.Delivery.LastError != "" {
		lines = append(lines, "Last delivery error: "+h.Delivery.LastError)
	}
	if h.Delivery.LastSuccess > 0 {
		lines = append(lines, "Last delivery success: "+time.Unix(h.Delivery.LastSuccess, 0).UTC().Format(time.RFC3339))
	}
	return lines
}
