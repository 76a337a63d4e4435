// Команда reminderd — единый бинарник демона напоминаний и его клиента.
// Без подкоманды печатает usage; "run" поднимает демон (планировщик, HTTP-API,
// консоль при интерактивном stdin), остальные подкоманды ходят в работающий
// демон по HTTP и возвращают коды выхода: 0 — успех, 1 — отказ, 2 — ошибка
// вызова, 3 — демон недоступен.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"reminderd/internal/adapters/cli"
	"reminderd/internal/app"
	"reminderd/internal/infra/concurrency"
	"reminderd/internal/infra/config"
	"reminderd/internal/infra/logger"
	"reminderd/internal/infra/pr"
)

func main() {
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(cli.ExitUsage)
	}

	// config.Load нужен и демону, и клиенту: адрес и токен берутся из одного .env.
	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		runDaemon(rest)
	case "add", "list", "cancel", "undo":
		os.Exit(runClient(cmd, rest))
	case "help", "-h", "--help":
		printUsage()
	default:
		pr.ErrPrintln("unknown command:", cmd)
		printUsage()
		os.Exit(cli.ExitUsage)
	}
}

func printUsage() {
	for _, line := range []string{
		"usage: reminderd [-env PATH] COMMAND [args]",
		"",
		"commands:",
		"  run [--interval SEC] [--for SEC]  start the daemon",
		"  add MSG [--when EXPR] [flags]     create a reminder via the daemon API",
		"  list [--all | --status S]         print reminders",
		"  cancel ID                         cancel a reminder",
		"  undo TOKEN                        reverse a recent action",
	} {
		pr.ErrPrintln(line)
	}
}

// runClient выполняет клиентскую подкоманду против работающего демона.
func runClient(cmd string, args []string) int {
	env := config.Env()
	c := cli.NewClient(env.ListenAddr, env.ActionToken)
	switch cmd {
	case "add":
		return cli.RunAdd(c, args)
	case "list":
		return cli.RunList(c, args)
	case "cancel":
		return cli.RunCancel(c, args)
	case "undo":
		return cli.RunUndo(c, args)
	}
	return cli.ExitUsage
}

// runDaemon поднимает демон и блокируется до graceful shutdown.
func runDaemon(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	interval := fs.Int("interval", 0, "scheduler poll interval override, seconds")
	runFor := fs.Int("for", 0, "auto-shutdown after N seconds (0 = run until signal)")
	_ = fs.Parse(args)

	if err := pr.Init(); err != nil {
		logger.Fatal("failed to assign stdout and stderr", zap.Error(err))
	}

	// Часовая зона процесса: все локальные форматирования идут в DEFAULT_TIMEZONE.
	time.Local = config.DefaultLocation //nolint:reassign // намеренно задаём часовую зону процесса

	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	if logFile := config.Env().LogFile; logFile != "" {
		logger.SetRotatingFile(logFile)
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp()
	opts := app.Options{
		IntervalSec: *interval,
		Console:     term.IsTerminal(int(os.Stdin.Fd())),
	}
	if iniErr := a.Init(ctx, stop, opts); iniErr != nil {
		stop()
		logger.Fatal("app init failed", zap.Error(iniErr))
	}

	concurrency.StartTimeoutTimer(ctx, *runFor, stop)

	if runErr := a.Run(); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	stop()
	logger.Info("Graceful shutdown complete")
}
