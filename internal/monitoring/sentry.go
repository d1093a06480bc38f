package monitoring

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

// SentryConfig holds Sentry configuration options
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	ServiceName string
	Debug       bool
}

// InitSentry initializes Sentry. It is a no-op returning false when no DSN
// is configured.
func InitSentry(cfg SentryConfig) (bool, error) {
	if cfg.DSN == "" {
		return false, nil
	}

	environment := cfg.Environment
	if environment == "" {
		environment = "development"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      environment,
		Release:          cfg.Release,
		Debug:            cfg.Debug,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if cfg.ServiceName != "" {
				if event.Tags == nil {
					event.Tags = map[string]string{}
				}
				event.Tags["service"] = cfg.ServiceName
			}
			FilterSensitiveData(event)
			return event
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	return true, nil
}

// FilterSensitiveData masks credential headers on the captured request.
func FilterSensitiveData(event *sentry.Event) {
	if event.Request == nil {
		return
	}
	for key := range event.Request.Headers {
		k := strings.ToLower(key)
		if strings.Contains(k, "authorization") || strings.Contains(k, "token") || strings.Contains(k, "cookie") {
			event.Request.Headers[key] = "[FILTERED]"
		}
	}
}

// Flush waits for buffered events to be sent.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// CaptureError reports err with tags on a cloned hub.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// Recovery recovers panics in next, reports them and answers 500. The
// panic is logged even when Sentry is not configured.
func Recovery(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hub := sentry.CurrentHub().Clone()
			hub.Scope().SetRequest(r)
			ctx := sentry.SetHubOnContext(r.Context(), hub)

			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					hub.RecoverWithContext(ctx, err)
					logger.Error().
						Interface("panic", err).
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Msg("panic recovered")
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"detail":"internal server error"}`))
				}
			}()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
