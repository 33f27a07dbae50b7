// Package observability provides logging and metrics for playbookd.
package observability

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global logger based on the provided settings.
func SetupLogging(level, format string, output io.Writer) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	zerolog.TimeFieldFormat = time.RFC3339

	if format == "console" || format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Caller().Logger()
}

// SetupDefaultLogging sets up logging with sensible defaults.
func SetupDefaultLogging(level string) {
	SetupLogging(level, "json", os.Stderr)
}

// Logger returns a contextualized logger for a component.
func Logger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithTrigger adds the triggering lifecycle event to a logger's context.
func WithTrigger(logger zerolog.Logger, trigger string) zerolog.Logger {
	return logger.With().Str("trigger", trigger).Logger()
}

// WithRunID adds a reflection/selection run ID to a logger's context.
func WithRunID(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Logger()
}

// Event types for structured logging.
const (
	EventPromptInjected    = "prompt_injected"
	EventReflectionApplied = "reflection_applied"
	EventReflectionNoop    = "reflection_noop"
	EventReflectionAborted = "reflection_rejected"
	EventStorageBackup     = "storage_backup"
	EventStorageRestore    = "storage_restore"
	EventLLMFallback       = "llm_fallback"
	EventConcurrentUpdate  = "concurrent_update"
	EventLegacyMigrated    = "legacy_migrated"
)

// LogEvent logs a structured event.
func LogEvent(logger zerolog.Logger, event string, fields map[string]interface{}) {
	e := logger.Info().Str("event", event)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg("")
}

// LogError logs an error with context.
func LogError(logger zerolog.Logger, err error, message string, fields map[string]interface{}) {
	e := logger.Error().Err(err)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(message)
}

// sensitiveKeys are field names redacted before any diagnostic dump is
// written to disk or logged, per the LLMGateway redaction requirement.
var sensitiveKeys = map[string]bool{
	"password":     true,
	"secret":       true,
	"token":        true,
	"api_key":      true,
	"apikey":       true,
	"access_token": true,
	"private_key":  true,
	"credentials":  true,
	"llm_api_key":  true,
	"authorization": true,
}

// SanitizeForLog removes sensitive data from a map before logging.
func SanitizeForLog(data map[string]interface{}) map[string]interface{} {
	sanitized := make(map[string]interface{}, len(data))
	for k, v := range data {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}

// RedactSecrets scrubs common secret-shaped substrings (API keys, bearer
// tokens) out of a raw diagnostic string before it is written to disk. This
// is a coarser, string-level companion to SanitizeForLog, used on raw LLM
// request/response dumps that aren't structured as key/value maps.
func RedactSecrets(s string) string {
	s = redactPrefixedToken(s, "Bearer ")
	s = redactPrefixedToken(s, "sk-ant-")
	return s
}

func redactPrefixedToken(s, prefix string) string {
	const redacted = "[REDACTED]"
	from := 0
	for {
		idx := strings.Index(s[from:], prefix)
		if idx < 0 {
			return s
		}
		start := from + idx + len(prefix)
		end := strings.IndexAny(s[start:], " \n\t\"")
		if end < 0 {
			end = len(s) - start
		}
		end += start
		s = s[:start] + redacted + s[end:]
		from = start + len(redacted)
	}
}

// DiagnosticRecord is one JSONL line written under <playbook_dir>/.diagnostics
// when diagnostic_mode is enabled, capturing what a trigger handler
// swallowed at its boundary.
type DiagnosticRecord struct {
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// WriteDiagnosticRecord appends one DiagnosticRecord to the day's JSONL file
// under dir, creating dir if absent. Failures are returned, not logged here,
// since the caller is itself inside an error-swallowing boundary.
func WriteDiagnosticRecord(dir, trigger string, err error) error {
	if mkErr := os.MkdirAll(dir, 0700); mkErr != nil {
		return mkErr
	}

	rec := DiagnosticRecord{Trigger: trigger, Timestamp: time.Now().UTC()}
	if err != nil {
		rec.Error = RedactSecrets(err.Error())
	}

	line, marshalErr := json.Marshal(rec)
	if marshalErr != nil {
		return marshalErr
	}
	line = append(line, '\n')

	path := filepath.Join(dir, rec.Timestamp.Format("2006-01-02")+".jsonl")
	f, openErr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if openErr != nil {
		return openErr
	}
	defer f.Close()

	_, writeErr := f.Write(line)
	return writeErr
}
