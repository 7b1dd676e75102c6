package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
)

// Response is the envelope of every API answer. Code is 0 on success and
// the HTTP status otherwise.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// PageData wraps one page of a listing.
type PageData struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// AppError pins an error to the HTTP status it should be answered with.
type AppError struct {
	Status int
	Err    error
}

func (e *AppError) Error() string {
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithStatus marks err to be answered with status. Its text is shown to
// the client, so only wrap errors that are safe to expose.
func WithStatus(status int, err error) *AppError {
	return &AppError{Status: status, Err: err}
}

func send(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Response{Code: 0, Message: message, Data: data})
}

func Success(c *gin.Context, data interface{}) {
	send(c, http.StatusOK, "ok", data)
}

func Created(c *gin.Context, data interface{}) {
	send(c, http.StatusCreated, "created", data)
}

// Accepted answers requests whose work was handed off to a queue.
func Accepted(c *gin.Context, data interface{}) {
	send(c, http.StatusAccepted, "accepted", data)
}

func Paged(c *gin.Context, items interface{}, total int64, page, pageSize int) {
	Success(c, PageData{Items: items, Total: total, Page: page, PageSize: pageSize})
}

func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Code: http.StatusBadRequest, Message: msg})
}

// Error answers with the status of the first AppError in err's chain.
// Anything else is logged and answered 500 without its text.
func Error(c *gin.Context, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.Status, Response{Code: appErr.Status, Message: appErr.Error()})
		return
	}
	logger.Error().Err(err).Str("method", c.Request.Method).Str("path", c.Request.URL.Path).Msg("request failed")
	c.JSON(http.StatusInternalServerError, Response{
		Code:    http.StatusInternalServerError,
		Message: "internal server error",
	})
}
