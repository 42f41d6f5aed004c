package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/handler"
	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/pkg/auth"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
)

const ContextActor = "actor"

type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

type ActorResolver interface {
	Resolve(ctx context.Context, id uuid.UUID, role model.Role) (model.Actor, error)
}

type AuthMiddleware struct {
	tokens    TokenValidator
	directory ActorResolver
}

func NewAuthMiddleware(tokens TokenValidator, directory ActorResolver) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:    tokens,
		directory: directory,
	}
}

// Authenticate verifies the bearer token and places the caller, with their
// current attributes, in the context.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			handler.Error(c, apperrors.Unauthorized(errors.New("missing authorization header")))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			handler.Error(c, apperrors.Unauthorized(errors.New("invalid authorization format")))
			return
		}

		claims, err := m.tokens.Validate(parts[1])
		if err != nil {
			handler.Error(c, err)
			return
		}
		subject, err := claims.SubjectID()
		if err != nil {
			handler.Error(c, apperrors.Unauthorized(err))
			return
		}

		actor, err := m.directory.Resolve(c.Request.Context(), subject, model.Role(claims.Role))
		if err != nil {
			handler.Error(c, err)
			return
		}

		c.Set(ContextActor, actor)
		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed.
func (m *AuthMiddleware) RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := CurrentActor(c)
		if !ok {
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		handler.Error(c, apperrors.Forbidden("this operation is not available for your role"))
	}
}

// CurrentActor returns the authenticated caller. When there is none it
// writes a 401 and returns false.
func CurrentActor(c *gin.Context) (model.Actor, bool) {
	if v, exists := c.Get(ContextActor); exists {
		if actor, ok := v.(model.Actor); ok {
			return actor, true
		}
	}
	handler.Error(c, apperrors.Unauthorized(errors.New("no authenticated actor")))
	return model.Actor{}, false
}
