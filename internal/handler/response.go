package handler

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
)

type Response struct {
	Status  string       `json:"status"`
	Message string       `json:"message,omitempty"`
	Data    interface{}  `json:"data,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}

// Error records err on the context for the error logging middleware and
// writes the client-safe rendition of it.
func Error(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(apperrors.HTTPStatus(err), NewErrorResponse(apperrors.PublicMessage(err)))
}
