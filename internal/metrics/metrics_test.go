package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentCountsByRoute(t *testing.T) {
	Init()
	Init()

	e := echo.New()
	e.Use(Instrument())
	e.GET("/v1/admin/users/:id", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusTeapot) })

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/admin/users/:id", "204"))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/admin/users/42", nil))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/admin/users/43", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/admin/users/:id", "204"))
	assert.Equal(t, before+2, after)

	teapot := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/boom", "418"))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, teapot+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/boom", "418")))
}

type deniedError struct{ status int }

func (e deniedError) Error() string   { return "denied" }
func (e deniedError) HTTPStatus() int { return e.status }

func TestInstrumentUsesStatusCarriedByError(t *testing.T) {
	Init()
	e := echo.New()
	e.Use(Instrument())
	e.GET("/locked", func(echo.Context) error { return deniedError{status: http.StatusForbidden} })

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/locked", "403")
	before := testutil.ToFloat64(counter)
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/locked", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	assert.Equal(t, 0.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/locked", "500")))
}

func TestDomainCounters(t *testing.T) {
	Init()
	AuthDenied("NO_TOKEN")
	AuditOutcome(AuditFailed)
	SetAuditQueueDepth(3)

	assert.GreaterOrEqual(t, testutil.ToFloat64(authDenials.WithLabelValues("NO_TOKEN")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(auditEntries.WithLabelValues(AuditFailed)), 1.0)
	assert.Equal(t, 3.0, testutil.ToFloat64(auditQueueDepth))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "audit_queue_depth 3"))
}
