package middleware

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/observability"
)

var realtimePrefixes = []string{"/api/v2/chat", "/api/v2/notifications"}

// Observability records request metrics and one structured log line for every
// chat and notification request. Websocket and SSE requests are logged when
// they end and are kept out of the latency buckets.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		if !isRealtimeAPI(c.Path()) {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		route := routeTemplate(c)
		method := c.Method()
		status := responseStatus(c, err)
		statusLabel := strconv.Itoa(status)
		streaming := isLongLived(c)

		observability.ChatRequests().WithLabelValues(method, route, statusLabel).Inc()
		if !streaming {
			observability.ChatLatency().WithLabelValues(method, route).Observe(duration.Seconds())
		}
		if status >= fiber.StatusBadRequest {
			observability.ChatErrors().WithLabelValues(method, route, statusLabel).Inc()
		}

		fields := logger.With().
			Str("correlation_id", GetCorrelationID(c)).
			Str("route", route).
			Str("method", method).
			Int("status", status).
			Float64("latency_ms", float64(duration)/float64(time.Millisecond))
		if streaming {
			fields = fields.Bool("stream", true)
		} else {
			fields = fields.Str("latency_bucket", latencyBucket(duration))
		}
		if roomID := roomParam(c, route); roomID > 0 {
			fields = fields.Uint("room_id", roomID)
		}
		if participantID, ok := c.Locals("user_id").(uint); ok {
			fields = fields.Uint("participant_id", participantID)
		}
		requestLogger := fields.Logger()

		switch {
		case status >= fiber.StatusInternalServerError:
			requestLogger.Error().Err(err).Msg("realtime request failed")
		case status >= fiber.StatusBadRequest:
			requestLogger.Warn().Msg("realtime request rejected")
		case streaming:
			requestLogger.Info().Msg("realtime stream closed")
		default:
			requestLogger.Info().Msg("realtime request completed")
		}

		return err
	}
}

func isRealtimeAPI(path string) bool {
	for _, prefix := range realtimePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// responseStatus reports the status the client will see. A handler error has
// not been rendered yet when the middleware regains control.
func responseStatus(c *fiber.Ctx, err error) int {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code
	}
	if err != nil {
		return fiber.StatusInternalServerError
	}
	return c.Response().StatusCode()
}

func roomParam(c *fiber.Ctx, route string) uint {
	if !strings.Contains(route, "/rooms/:id") {
		return 0
	}
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

func routeTemplate(c *fiber.Ctx) string {
	if c.Route() != nil && c.Route().Path != "" {
		return c.Route().Path
	}
	return c.Path()
}

func latencyBucket(duration time.Duration) string {
	switch {
	case duration <= 25*time.Millisecond:
		return "<=25ms"
	case duration <= 100*time.Millisecond:
		return "<=100ms"
	case duration <= 500*time.Millisecond:
		return "<=500ms"
	default:
		return ">500ms"
	}
}
