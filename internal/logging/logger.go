package logging

import (
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

var (
	// Logger is the global structured logger instance
	Logger *slog.Logger
)

// Init initializes the global structured logger
func Init(level slog.Level) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Format time as ISO8601
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "info", "INFO":
		return slog.LevelInfo
	case "warn", "WARN":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactURL removes secrets from URL logs while retaining debugging value.
// It strips userinfo and masks query parameter values.
func RedactURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed == nil {
		return rawURL
	}

	parsed.User = nil

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			query.Set(key, "***")
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

// Helper functions for common logging patterns

// LogDownloadStart logs the start of a download
func LogDownloadStart(url, quality, container string) {
	if Logger == nil {
		return
	}
	Logger.Info("download started",
		"event", "download_start",
		"url", RedactURL(url),
		"quality", quality,
		"container", container)
}

// LogDownloadComplete logs successful download completion
func LogDownloadComplete(url string) {
	if Logger == nil {
		return
	}
	Logger.Info("download complete",
		"event", "download_complete",
		"url", RedactURL(url))
}

// LogDownloadError logs download failures
func LogDownloadError(url, msg string, err error) {
	if Logger == nil {
		return
	}
	Logger.Error(msg,
		"event", "download_error",
		"url", RedactURL(url),
		"error", err)
}

// LogDownloadCancel logs download cancellation
func LogDownloadCancel(url string) {
	if Logger == nil {
		return
	}
	Logger.Info("download canceled",
		"event", "download_cancel",
		"url", RedactURL(url))
}

// LogStatusChange logs registry status transitions
func LogStatusChange(url, status string) {
	if Logger == nil {
		return
	}
	Logger.Info("status changed",
		"event", "status_change",
		"url", RedactURL(url),
		"status", status)
}

// LogConfigUpdate logs preference writes
func LogConfigUpdate(skipHomepage bool) {
	if Logger == nil {
		return
	}
	Logger.Info("config updated",
		"event", "config_update",
		"skip_homepage", skipHomepage)
}

// LogDBUpsert logs download record creation or replacement
func LogDBUpsert(url, container, nameFormat, quality string) {
	if Logger == nil {
		return
	}
	Logger.Info("download record upserted",
		"event", "db_upsert",
		"url", RedactURL(url),
		"container", container,
		"name_format", nameFormat,
		"quality", quality)
}

// LogDBUpdate logs database updates
func LogDBUpdate(operation, url string, fields map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "db_update",
		"operation", operation,
		"url", RedactURL(url),
	}
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	Logger.Info("database updated", attrs...)
}

// LogEmission logs events pushed toward clients
func LogEmission(kind, url string) {
	if Logger == nil {
		return
	}
	Logger.Debug("emission published",
		"event", "emission",
		"kind", kind,
		"url", RedactURL(url))
}

// LogSubscriber logs event hub subscriber churn
func LogSubscriber(id, action string) {
	if Logger == nil {
		return
	}
	Logger.Debug("subscriber "+action,
		"event", "subscriber_"+action,
		"subscriber_id", id)
}

// LogToolCheck logs external tool presence checks
func LogToolCheck(tool string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("tool missing",
			"event", "tool_missing",
			"tool", tool,
			"error", err)
	} else {
		Logger.Info("tool available",
			"event", "tool_available",
			"tool", tool)
	}
}

// LogURLCheck logs availability probes
func LogURLCheck(url string, ok bool) {
	if Logger == nil {
		return
	}
	Logger.Info("url availability checked",
		"event", "url_check",
		"url", RedactURL(url),
		"available", ok)
}

// LogProgressScanError logs progress scanning errors
func LogProgressScanError(url string, err error) {
	if Logger == nil {
		return
	}
	Logger.Warn("progress scan error",
		"event", "progress_scan_error",
		"url", RedactURL(url),
		"error", err)
}

// LogHandlerError logs failures inside HTTP handlers
func LogHandlerError(msg string, err error) {
	if Logger == nil {
		return
	}
	Logger.Error(msg,
		"event", "handler_error",
		"error", err)
}

// LogHTTPRequest logs HTTP request handling
func LogHTTPRequest(method, path, remoteAddr string, duration time.Duration) {
	if Logger == nil {
		return
	}
	Logger.Info("http request",
		"event", "http_request",
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"duration_ms", duration.Milliseconds())
}

// LogServerStart logs server startup
func LogServerStart(addr string, config map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "server_start",
		"addr", addr,
	}
	for k, v := range config {
		attrs = append(attrs, k, v)
	}
	Logger.Info("server started", attrs...)
}

// LogServerShutdown logs server shutdown events
func LogServerShutdown(msg string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error(msg,
			"event", "server_shutdown_error",
			"error", err)
	} else {
		Logger.Info(msg,
			"event", "server_shutdown")
	}
}
