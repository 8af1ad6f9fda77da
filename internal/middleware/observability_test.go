package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-consent-api/internal/observability"
)

func TestObservabilityCountsRouteTemplates(t *testing.T) {
	var logs bytes.Buffer
	app := fiber.New()
	app.Use(CorrelationID())
	app.Use(Observability(zerolog.New(&logs)))
	app.Get("/api/v1/consent/:code", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusGone)
	})

	route := "/api/v1/consent/:code"
	before := testutil.ToFloat64(observability.APIErrors().WithLabelValues(http.MethodGet, route, "410"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/consent/abc123secret", nil)
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusGone, resp.StatusCode)
	require.Equal(t, "req-1", resp.Header.Get("X-Correlation-ID"))

	after := testutil.ToFloat64(observability.APIErrors().WithLabelValues(http.MethodGet, route, "410"))
	require.Equal(t, before+1, after)

	require.Contains(t, logs.String(), `"correlation_id":"req-1"`)
	require.Contains(t, logs.String(), `"level":"warn"`)
	require.NotContains(t, logs.String(), "abc123secret")
}

func TestObservabilitySkipsNonAPIPaths(t *testing.T) {
	var logs bytes.Buffer
	app := fiber.New()
	app.Use(Observability(zerolog.New(&logs)))
	app.Get("/metrics", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Empty(t, logs.String())
}

func TestLatencyBucket(t *testing.T) {
	require.Equal(t, "<=50ms", latencyBucket(10*time.Millisecond))
	require.Equal(t, "<=250ms", latencyBucket(200*time.Millisecond))
	require.Equal(t, "<=1s", latencyBucket(time.Second))
	require.Equal(t, ">1s", latencyBucket(2*time.Second))
}
