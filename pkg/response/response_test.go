package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func performRequest(handler gin.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	handler(c)
	return w
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return resp
}

func TestSuccessResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler gin.HandlerFunc
		status  int
		message string
	}{
		{"success", func(c *gin.Context) { Success(c, gin.H{"id": 1}) }, http.StatusOK, "ok"},
		{"created", func(c *gin.Context) { Created(c, gin.H{"id": 1}) }, http.StatusCreated, "created"},
		{"accepted", func(c *gin.Context) { Accepted(c, gin.H{"id": 1}) }, http.StatusAccepted, "accepted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := performRequest(tt.handler)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
			resp := parseResponse(t, w)
			if resp.Code != 0 {
				t.Errorf("expected code 0, got %d", resp.Code)
			}
			if resp.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, resp.Message)
			}
		})
	}
}

func TestBadRequest(t *testing.T) {
	w := performRequest(func(c *gin.Context) { BadRequest(c, "invalid job id") })

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	resp := parseResponse(t, w)
	if resp.Code != 400 || resp.Message != "invalid job id" {
		t.Errorf("unexpected body: %+v", resp)
	}
}

func TestPaged(t *testing.T) {
	w := performRequest(func(c *gin.Context) {
		Paged(c, []string{"a", "b"}, 7, 2, 2)
	})

	var resp struct {
		Code int      `json:"code"`
		Data PageData `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Data.Total != 7 || resp.Data.Page != 2 || resp.Data.PageSize != 2 {
		t.Errorf("unexpected paging: %+v", resp.Data)
	}
	items, ok := resp.Data.Items.([]interface{})
	if !ok || len(items) != 2 {
		t.Errorf("expected 2 items, got %v", resp.Data.Items)
	}
}

func TestError_StatusFromChain(t *testing.T) {
	errBusy := errors.New("job is running")
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"direct", WithStatus(http.StatusConflict, errBusy), http.StatusConflict, "job is running"},
		{"wrapped", fmt.Errorf("trigger: %w", WithStatus(http.StatusServiceUnavailable, errors.New("queue down"))), http.StatusServiceUnavailable, "queue down"},
		{"plain error is hidden", errors.New("dial tcp: connection refused"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := performRequest(func(c *gin.Context) { Error(c, tt.err) })
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
			resp := parseResponse(t, w)
			if resp.Code != tt.status {
				t.Errorf("expected code %d, got %d", tt.status, resp.Code)
			}
			if resp.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, resp.Message)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	sentinel := errors.New("job not found")
	err := WithStatus(http.StatusNotFound, fmt.Errorf("get job 7: %w", sentinel))
	if !errors.Is(err, sentinel) {
		t.Error("expected AppError to unwrap to its cause")
	}
	if err.Error() != "get job 7: job not found" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
