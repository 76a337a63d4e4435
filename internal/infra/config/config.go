// Пакет config отвечает за сбор и предоставление конфигурации демона напоминаний.
// Он:
//  1. читает переменные окружения из .env (через godotenv; файл опционален),
//  2. нормализует и валидирует входные значения,
//  3. накапливает некритичные замечания в warnings (развёртываются в лог после Init),
//  4. предоставляет потокобезопасный доступ к результату через singleton.
//
// Бизнес-контекст: конфиг задаёт канал доставки ntfy (топик, сервер, лимит RPS),
// публичный адрес для кнопок действий, токен колбэков, таймзону по умолчанию,
// параметры планировщика (период опроса, размер пачки, число попыток), окна
// undo/черновиков, каталог состояния и необязательный LLM-фолбэк нормализатора.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"reminderd/internal/infra/timeutil"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Значения уже
// прошли минимальную валидацию и нормализацию в loadConfig; в рантайме
// предполагается, что EnvConfig последователен.
type EnvConfig struct {
	// Доставка ntfy
	NtfyTopic       string
	NtfyBaseURL     string
	NtfyThrottleRPS int
	// Колбэки действий
	PublicBaseURL string
	ActionToken   string
	// Время
	DefaultTimezone string
	// Планировщик
	SchedulerPollSec     int
	SchedulerMaxBatch    int
	SchedulerMaxAttempts int
	NotifyDryRun         bool
	// Окна undo / черновиков
	UndoWindowSec int
	DraftTTLSec   int
	// Файлы состояния и HTTP
	StateDir   string
	ListenAddr string
	// Логирование
	LogLevel string
	LogFile  string
	// LLM-фолбэк нормализатора (опционален)
	IntentLLMEnabled bool
	IntentLLMBaseURL string
	IntentLLMAPIKey  string
	IntentLLMModel   string
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock; после Load структура
// фактически неизменяема.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения.
const (
	defaultNtfyBaseURL          = "https://ntfy.sh"
	defaultNtfyThrottleRPS      = 4
	defaultTimezone             = "America/Chicago"
	defaultSchedulerPollSec     = 5
	defaultSchedulerMaxBatch    = 100
	defaultSchedulerMaxAttempts = 3
	defaultUndoWindowSec        = 1800
	defaultDraftTTLSec          = 600
	defaultStateDir             = "state"
	defaultListenAddr           = "127.0.0.1:8787"
	defaultLogLevel             = "info"
)

// Имена файлов состояния внутри StateDir. Фиксированы: их знает и демон, и
// операторская документация.
const (
	RemindersDBFile   = "reminders.db"
	LedgerDBFile      = "ledger.db"
	PendingDBFile     = "pending.db"
	IdempotencyDBFile = "idempotency.db"
	PrefsFile         = "prefs.json"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// DefaultLocation — разобранная DEFAULT_TIMEZONE. Устанавливается в Load и
// далее только читается.
var DefaultLocation *time.Location

// Load — точка входа для инициализации глобальной конфигурации приложения.
// При первом вызове читает .env (отсутствие файла — предупреждение, не ошибка),
// формирует EnvConfig и фиксирует результат в singleton. Повторный вызов
// запрещён, чтобы избежать гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			appendWarningf(&warnings, "env file %q not loaded: %v; relying on process env", envPath, err)
		}
	}

	ntfyTopic := strings.TrimSpace(os.Getenv("NTFY_TOPIC"))
	ntfyBaseURL := sanitizeBaseURL("NTFY_BASE_URL", os.Getenv("NTFY_BASE_URL"), defaultNtfyBaseURL, &warnings)
	ntfyRPS := parseIntDefault("NTFY_THROTTLE_RPS", defaultNtfyThrottleRPS, greaterThanZero, &warnings)
	publicBaseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	actionToken := strings.TrimSpace(os.Getenv("ACTION_TOKEN"))
	tz := sanitizeTimezoneFlexible("DEFAULT_TIMEZONE", os.Getenv("DEFAULT_TIMEZONE"), defaultTimezone, &warnings)
	pollSec := parseIntDefault("SCHEDULER_POLL_SEC", defaultSchedulerPollSec, greaterThanZero, &warnings)
	maxBatch := parseIntDefault("SCHEDULER_MAX_BATCH", defaultSchedulerMaxBatch, greaterThanZero, &warnings)
	maxAttempts := parseIntDefault("SCHEDULER_MAX_ATTEMPTS", defaultSchedulerMaxAttempts, greaterThanZero, &warnings)
	dryRun := parseBoolDefault("NOTIFY_DRY_RUN", false, &warnings)
	undoWindowSec := parseIntDefault("UNDO_WINDOW_SEC", defaultUndoWindowSec, greaterThanZero, &warnings)
	draftTTLSec := parseIntDefault("DRAFT_TTL_SEC", defaultDraftTTLSec, greaterThanZero, &warnings)
	stateDir := sanitizePath("STATE_DIR", os.Getenv("STATE_DIR"), defaultStateDir, &warnings)
	listenAddr := sanitizePath("LISTEN_ADDR", os.Getenv("LISTEN_ADDR"), defaultListenAddr, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))

	llmEnabled := parseBoolDefault("INTENT_LLM_ENABLED", false, &warnings)
	llmBaseURL := strings.TrimSpace(os.Getenv("INTENT_LLM_BASE_URL"))
	llmAPIKey := strings.TrimSpace(os.Getenv("INTENT_LLM_API_KEY"))
	llmModel := strings.TrimSpace(os.Getenv("INTENT_LLM_MODEL"))
	if llmEnabled && (llmBaseURL == "" || llmModel == "") {
		appendWarningf(&warnings, "INTENT_LLM_ENABLED is set but INTENT_LLM_BASE_URL/INTENT_LLM_MODEL are incomplete; fallback disabled")
		llmEnabled = false
	}

	if ntfyTopic == "" && !dryRun {
		appendWarningf(&warnings, "env NTFY_TOPIC is not set; ntfy deliveries will fail until configured")
	}

	loc, err := timeutil.ParseLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid DEFAULT_TIMEZONE %q", tz)
	}
	DefaultLocation = loc

	env := EnvConfig{
		NtfyTopic:            ntfyTopic,
		NtfyBaseURL:          ntfyBaseURL,
		NtfyThrottleRPS:      ntfyRPS,
		PublicBaseURL:        publicBaseURL,
		ActionToken:          actionToken,
		DefaultTimezone:      tz,
		SchedulerPollSec:     pollSec,
		SchedulerMaxBatch:    maxBatch,
		SchedulerMaxAttempts: maxAttempts,
		NotifyDryRun:         dryRun,
		UndoWindowSec:        undoWindowSec,
		DraftTTLSec:          draftTTLSec,
		StateDir:             stateDir,
		ListenAddr:           listenAddr,
		LogLevel:             logLevel,
		LogFile:              logFile,
		IntentLLMEnabled:     llmEnabled,
		IntentLLMBaseURL:     llmBaseURL,
		IntentLLMAPIKey:      llmAPIKey,
		IntentLLMModel:       llmModel,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// StatePath строит путь к файлу состояния внутри STATE_DIR.
func StatePath(file string) string {
	return filepath.Join(Env().StateDir, file)
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool ("1"/"true"/"0"/"false" и пр.).
// Если пусто/некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero — простой валидатор чисел для parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizePath возвращает непустую строку пути/адреса, подставляя fallback.
func sanitizePath(_, value, fallback string, _ *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	return v
}

// sanitizeBaseURL нормализует базовый URL: обрезает пробелы и завершающий слэш.
func sanitizeBaseURL(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimRight(strings.TrimSpace(value), "/")
	if v == "" {
		return fallback
	}
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		appendWarningf(warnings, "env %s value %q has no scheme; using default %q", name, value, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA-зона или
// UTC-смещение. При неудаче возвращает значение по умолчанию с предупреждением.
func sanitizeTimezoneFlexible(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "env %s timezone %q is invalid; using default %q", name, v, fallback)
		return fallback
	}
	return v
}
