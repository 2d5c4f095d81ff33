package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func observedApp(buf *bytes.Buffer) *fiber.App {
	app := fiber.New()
	app.Use(Observability(zerolog.New(buf)))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	chat := app.Group("/api/v2/chat", func(c *fiber.Ctx) error {
		c.Locals("user_id", uint(7))
		return c.Next()
	})
	chat.Get("/rooms/:id/messages", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	chat.Get("/rooms/:id", func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusNotFound, "room not found") })
	return app
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	return lines
}

func TestObservabilityLogsRoomAndParticipant(t *testing.T) {
	var buf bytes.Buffer
	app := observedApp(&buf)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/chat/rooms/42/messages", nil))
	require.NoError(t, err)
	resp.Body.Close()

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "/api/v2/chat/rooms/:id/messages", lines[0]["route"])
	require.Equal(t, float64(42), lines[0]["room_id"])
	require.Equal(t, float64(7), lines[0]["participant_id"])
	require.Equal(t, float64(200), lines[0]["status"])
	require.Equal(t, "info", lines[0]["level"])
	require.Contains(t, lines[0], "latency_bucket")
}

func TestObservabilityReportsHandlerErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	app := observedApp(&buf)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/chat/rooms/9", nil))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, float64(404), lines[0]["status"])
	require.Equal(t, "warn", lines[0]["level"])
	require.Equal(t, float64(9), lines[0]["room_id"])
}

func TestObservabilityIgnoresOtherRoutes(t *testing.T) {
	var buf bytes.Buffer
	app := observedApp(&buf)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	resp.Body.Close()
	require.Zero(t, buf.Len())
}
