// Package cli — интерактивная консоль демона и HTTP-клиент его API.
// Консоль стартует фоном, когда stdin является терминалом, читает команды
// из readline и ходит напрямую в слой команд. Start/Stop идемпотентны и
// корректно встраиваются в lifecycle приложения.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"reminderd/internal/domain/commands"
	"reminderd/internal/infra/logger"
	"reminderd/internal/infra/pr"
	versioninfo "reminderd/internal/support/version"
)

// commandDescriptor описывает одну консольную команду для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show scheduler heartbeat and delivery health"},
	{name: "list", description: "Print reminders (default scheduled; 'list all' for every status)"},
	{name: "due", description: "Print scheduled reminders with time remaining"},
	{name: "show", description: "Print one reminder with its audit log: show <id>"},
	{name: "flush", description: "Force an immediate scheduler tick"},
	{name: "version", description: "Print service version"},
	{name: "exit", description: "Stop the console and terminate the service"},
}

// Console инкапсулирует интерактивную консоль демона.
type Console struct {
	exec      *commands.Executor
	stopApp   context.CancelFunc // внешняя отмена приложения (exit, Ctrl-C на пустой строке)
	cancel    context.CancelFunc // локальная отмена run-цикла
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewConsole создаёт консоль. stopApp используется как «глобальная» остановка
// приложения.
func NewConsole(exec *commands.Executor, stopApp context.CancelFunc) *Console {
	return &Console{exec: exec, stopApp: stopApp}
}

// Start запускает цикл чтения команд в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (c *Console) Start(ctx context.Context) {
	c.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		c.wg.Go(func() {
			c.run(runCtx)
		})
	})
}

// Stop завершает консоль: прерывает readline, отменяет локальный контекст и
// дожидается завершения run-цикла.
func (c *Console) Stop() {
	c.onceStop.Do(func() {
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
	})
}

// run — основной цикл: подсказки, обработчики клавиш, построчное чтение.
func (c *Console) run(ctx context.Context) {
	logger.Debug("Console run started")
	pr.SetPrompt("> ")
	pr.Println("Console started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(c.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("Console: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("Console: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if c.handleCommand(cmd) {
			logger.Debugf("Console: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду. Возвращает true, если команда
// инициирует завершение консоли ("exit").
func (c *Console) handleCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	name := ""
	if len(fields) > 0 {
		name = fields[0]
	}

	switch name {
	case "help":
		printCommandHelp()
	case "status":
		c.handleStatus()
	case "list":
		status := "scheduled"
		if len(fields) > 1 {
			status = fields[1]
		}
		c.handleList(status)
	case "due":
		c.handleDue()
	case "show":
		if len(fields) < 2 {
			pr.ErrPrintln("usage: show <id>")
			break
		}
		c.handleShow(fields[1])
	case "flush":
		c.exec.Flush("console flush")
		pr.Println("Scheduler tick requested.")
	case "version":
		pr.ErrPrintln(fmt.Sprintf("%s v%s", versioninfo.Name, versioninfo.Version))
	case "exit":
		if c.stopApp != nil {
			c.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		pr.Println("unknown command:", name)
	}
	return false
}

// handleStatus печатает heartbeat поллера и сводку доставки.
func (c *Console) handleStatus() {
	health, err := c.exec.Health()
	if err != nil {
		pr.ErrPrintln("status error:", err)
		return
	}
	for _, line := range formatHealth(health) {
		pr.Println(line)
	}
}

// handleList печатает напоминания заданного статуса.
func (c *Console) handleList(status string) {
	list, err := c.exec.List(status)
	if err != nil {
		pr.ErrPrintln("list error:", err)
		return
	}
	if len(list) == 0 {
		pr.Printf("No %s reminders.\n", status)
		return
	}
	for _, r := range list {
		pr.Println(formatReminderLine(&r))
	}
	pr.Printf("Total: %d\n", len(list))
}

// handleDue печатает запланированные напоминания с остатком времени.
func (c *Console) handleDue() {
	list, err := c.exec.List("scheduled")
	if err != nil {
		pr.ErrPrintln("due error:", err)
		return
	}
	if len(list) == 0 {
		pr.Println("Nothing scheduled.")
		return
	}
	health, _ := c.exec.Health()
	now := health.Timestamp
	for _, r := range list {
		pr.Println(formatDueLine(&r, now))
	}
	if stats, err := c.exec.Stats(); err == nil && stats.NextDueAt > 0 {
		pr.Printf("Next due: %s\n", timeRFC3339(stats.NextDueAt))
	}
}

// handleShow печатает одно напоминание вместе с журналом аудита.
func (c *Console) handleShow(rawID string) {
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		pr.ErrPrintln("bad id:", rawID)
		return
	}
	r, err := c.exec.Get(id)
	if err != nil {
		pr.ErrPrintln("show error:", err)
		return
	}
	pr.Println(formatReminderLine(&r))
	for _, line := range formatAuditLines(r.AuditLog) {
		pr.Println(line)
	}
}

// joinCommandNames собирает строку имён команд для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
