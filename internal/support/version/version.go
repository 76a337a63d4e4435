// Package version — имя и версия приложения в одном месте.
// Используется CLI (команда version), HTTP-заголовками и заголовками уведомлений.
package version

const (
	// Name — техническое имя бинаря, используется в User-Agent и CLI-выводе.
	Name = "reminderd"
	// DisplayName — человекочитаемое имя для заголовков уведомлений.
	DisplayName = "Reminderd"
	// Version — семантическая версия сборки. Обновляется при релизе.
	Version = "0.4.1"
)
