package logger

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGinLogger_RequestID(t *testing.T) {
	r := gin.New()
	r.Use(GinLogger("/health"))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader), "generated when missing")

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader), "caller id is kept")
}

func TestRedactQuery(t *testing.T) {
	u, _ := url.Parse("/api/events?job_id=3&access_token=secret")
	assert.Equal(t, "access_token=REDACTED&job_id=3", redactQuery(u))

	u, _ = url.Parse("/api/jobs?page=2")
	assert.Equal(t, "page=2", redactQuery(u))
}

func TestGinRecovery(t *testing.T) {
	r := gin.New()
	r.Use(GinLogger(), GinRecovery())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":500,"message":"internal server error"}`, w.Body.String())
}

func TestInit_UnknownLevelFallsBackToInfo(t *testing.T) {
	t.Cleanup(func() { Init("info", "") })
	Init("chatty", "json")
	assert.Equal(t, "info", log.GetLevel().String())
}
