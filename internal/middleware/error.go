package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/ehr-access/internal/model"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
)

// ErrorHandler logs the errors handlers attached to the context. The
// response itself is written by handler.Error.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, e := range c.Errors {
			var event *zerolog.Event
			switch apperrors.CodeOf(e.Err) {
			case apperrors.ErrInternal, apperrors.ErrInvariant, apperrors.ErrIntegrity:
				event = log.Error()
			case apperrors.ErrDenied, apperrors.ErrForbidden, apperrors.ErrUnauthorized, apperrors.ErrTooManyRequests:
				event = log.Info()
			case apperrors.ErrNotFound, apperrors.ErrBadRequest, apperrors.ErrConflict:
				event = log.Debug()
			default:
				event = log.Error()
			}

			event = event.
				Err(e.Err).
				Str("request_id", c.GetString(ContextRequestID)).
				Str("path", c.FullPath()).
				Str("method", c.Request.Method)
			if actor, ok := c.Get(ContextActor); ok {
				event = event.Str("actor_id", actorID(actor))
			}
			event.Msg("Request error")
		}
	}
}

func actorID(v interface{}) string {
	if actor, ok := v.(model.Actor); ok {
		return actor.ID.String()
	}
	return ""
}
