// Package pr — унифицированный вывод для интерактивного консольного режима.
// После Init() печать идёт через буферы readline, поэтому строки оператора не
// рвут приглашение ввода. До Init() (или в headless-режиме) используется обычный
// os.Stdout/os.Stderr. Мьютекс защищает только подмену writer'ов; сами записи
// должны быть потокобезопасны на стороне целевого writer'а (rl.Stdout таков).

package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

var (
	// rl — активный инстанс readline; nil до Init() и в headless-режиме.
	rl *readline.Instance
	// out — текущий поток стандартного вывода.
	out io.Writer = os.Stdout
	// errOut — текущий поток вывода ошибок.
	errOut io.Writer = os.Stderr
	// mu защищает замену ссылок на writer'ы и stdinCloser.
	mu sync.Mutex

	// stdinCloser — отменяемый stdin; его закрытие даёт io.EOF внутри Readline()
	// и позволяет прервать ожидание ввода при shutdown.
	stdinCloser interface{ Close() error }
)

// Init поднимает readline с отменяемым stdin и переключает печать на его буферы.
// Вызывается один раз перед стартом консоли; повторный вызов не предусмотрен.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	newRl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}
	rl = newRl

	mu.Lock()
	stdinCloser = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()

	return nil
}

// InterruptReadline закрывает отменяемый stdin: Readline() получает io.EOF и возвращается.
// Идемпотентна — повторное закрытие реализация игнорирует.
func InterruptReadline() {
	if stdinCloser != nil {
		_ = stdinCloser.Close()
	}
}

// SetPrompt задаёт строку приглашения. Безопасный no-op, если Init() не вызывался.
func SetPrompt(prompt string) {
	if rl != nil {
		rl.SetPrompt(prompt)
	}
}

// Rl возвращает текущий инстанс readline (nil до Init()).
func Rl() *readline.Instance {
	return rl
}

// Stdout возвращает текущий writer стандартного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr возвращает текущий writer ошибок.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

// Print печатает значения в Stdout без перевода строки.
func Print(a ...any) {
	fmt.Fprint(Stdout(), a...)
}

// Println печатает значения в Stdout с переводом строки. Работает и до Init().
func Println(a ...any) {
	fmt.Fprintln(Stdout(), a...)
}

// Printf форматирует строку и печатает её в Stdout.
func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout(), format, a...)
}

// ErrPrintln печатает значения в Stderr с переводом строки.
func ErrPrintln(a ...any) {
	fmt.Fprintln(Stderr(), a...)
}

// ErrPrintf форматирует строку и печатает её в Stderr.
func ErrPrintf(format string, a ...any) {
	fmt.Fprintf(Stderr(), format, a...)
}

// PP pretty-печатает значение в Stdout. Для отладки и команды show; аллоцирует заметно.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}

// Pf возвращает pretty-представление значения строкой — удобно для debug-логов.
func Pf(v any) string {
	return fmt.Sprintf("%# v", pretty.Formatter(v))
}
