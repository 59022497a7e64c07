// Package fres shapes HTTP responses for the Registry and Broker
// surfaces: a uniform success envelope, and a translation from the
// errs.Kind taxonomy to HTTP status codes.
package fres

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeflow/ctrlplane/errs"
)

type OK struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

type ErrBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusFor maps a Kind to its HTTP status code.
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.BadRequest:
		return http.StatusBadRequest
	case errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Gone:
		return http.StatusGone
	case errs.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// JSON writes result with a 200/201-class status. Register responses
// pass http.StatusCreated.
func JSON(c *gin.Context, code int, result any) {
	c.JSON(code, OK{Status: "ok", Result: result})
}

// NoContent writes a 204, used by the subscribe/unsubscribe/
// message-accept endpoints.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Fail translates err to a status code and writes the client-safe
// message only; the caller is responsible for logging the cause.
func Fail(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := StatusFor(kind)
	msg := err.Error()
	if status >= 500 {
		msg = "internal error"
	}
	c.JSON(status, ErrBody{Error: string(kind), Message: msg})
}
