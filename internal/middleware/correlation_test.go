package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func correlationApp() *fiber.App {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(GetCorrelationID(c) + "|" + CorrelationIDFromContext(c.UserContext()))
	})
	return app
}

func correlationOf(t *testing.T, req *http.Request) (string, string) {
	t.Helper()
	resp, err := correlationApp().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)
	return resp.Header.Get(CorrelationHeader), body.String()
}

func TestCorrelationIDPrefersHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?cid=from-query", nil)
	req.Header.Set(CorrelationHeader, "from-header")

	header, body := correlationOf(t, req)
	require.Equal(t, "from-header", header)
	require.Equal(t, "from-header|from-header", body)
}

func TestCorrelationIDFallsBackToQueryForBrowserClients(t *testing.T) {
	header, _ := correlationOf(t, httptest.NewRequest(http.MethodGet, "/?cid=ws-42", nil))
	require.Equal(t, "ws-42", header)
}

func TestCorrelationIDGeneratesWhenMissingOrOversized(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationHeader, strings.Repeat("x", maxCorrelationLength+1))

	header, body := correlationOf(t, req)
	require.Len(t, header, 36)
	require.Equal(t, header+"|"+header, body)
}
