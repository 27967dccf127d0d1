package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup installs a JSON slog handler as the process-wide default and returns
// it. Every line carries the service name, and the environment when one is
// configured. The minimum level defaults to info; level accepts debug, warn,
// or error.
func Setup(service, env, level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: renameCoreAttrs,
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	logger := slog.New(handler.WithAttrs(attrs))
	slog.SetDefault(logger)
	redirectStdLogger(handler.WithAttrs(attrs))
	return logger
}

// renameCoreAttrs maps slog's built-in keys onto the field names the log
// pipeline indexes on.
func renameCoreAttrs(groups []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.MessageKey:
		attr.Key = "message"
	case slog.LevelKey:
		attr = slog.String("severity", strings.ToUpper(attr.Value.String()))
	}
	return attr
}

// redirectStdLogger routes the standard library logger through the JSON
// handler so dependencies that log directly still produce structured lines.
func redirectStdLogger(handler slog.Handler) {
	bridge := slog.NewLogLogger(handler, slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
