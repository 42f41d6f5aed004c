package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/ehr-access/internal/model"
	"github.com/jwalitptl/ehr-access/pkg/auth"
	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
	"github.com/jwalitptl/ehr-access/pkg/policy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextRequestID)) })

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated when missing", "", false},
		{"caller id kept", "abc-123", true},
		{"too long replaced", strings.Repeat("a", 65), false},
		{"unprintable replaced", "bad id\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(HeaderXRequestID, tt.header)
			}
			w := serve(r, req)
			got := w.Header().Get(HeaderXRequestID)
			assert.Equal(t, got, w.Body.String())
			if tt.keep {
				assert.Equal(t, tt.header, got)
			} else {
				_, err := uuid.Parse(got)
				assert.NoError(t, err)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: rate.Every(time.Hour), Burst: 2})
	r := gin.New()
	r.Use(rl.RateLimit())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := func(ip string) int {
		rq := httptest.NewRequest(http.MethodGet, "/", nil)
		rq.RemoteAddr = ip + ":1234"
		return serve(r, rq).Code
	}

	assert.Equal(t, http.StatusOK, req("10.0.0.1"))
	assert.Equal(t, http.StatusOK, req("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, req("10.0.0.1"))
	assert.Equal(t, http.StatusOK, req("10.0.0.2"))
}

func TestSizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(SizeLimit(SizeLimitConfig{MaxBodySize: 8}))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123")))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/", func(c *gin.Context) { panic("boom") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestTimeoutSetsDeadline(t *testing.T) {
	r := gin.New()
	r.Use(Timeout(TimeoutConfig{Duration: time.Minute}))
	var ok bool
	r.GET("/", func(c *gin.Context) {
		_, ok = c.Request.Context().Deadline()
		c.Status(http.StatusOK)
	})

	serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, ok)
}

type stubTokens struct {
	claims *auth.Claims
	err    error
}

func (s stubTokens) Validate(string) (*auth.Claims, error) { return s.claims, s.err }

type stubDirectory map[uuid.UUID]model.Actor

func (d stubDirectory) Resolve(_ context.Context, id uuid.UUID, role model.Role) (model.Actor, error) {
	a, ok := d[id]
	if !ok || a.Role != role {
		return model.Actor{}, apperrors.Unauthorized(errors.New("unknown subject"))
	}
	return a, nil
}

func TestAuthenticate(t *testing.T) {
	doctor := model.Actor{ID: uuid.New(), Role: model.RoleClinician, Attributes: policy.AttributeSet{Org: "H1", Unit: "U1"}}
	dir := stubDirectory{doctor.ID: doctor}
	claims := func(id uuid.UUID, role model.Role) *auth.Claims {
		return &auth.Claims{Role: string(role), RegisteredClaims: jwt.RegisteredClaims{Subject: id.String()}}
	}

	tests := []struct {
		name   string
		header string
		tokens stubTokens
		roles  []model.Role
		want   int
	}{
		{"missing header", "", stubTokens{}, nil, http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", stubTokens{}, nil, http.StatusUnauthorized},
		{"invalid token", "Bearer x", stubTokens{err: apperrors.Unauthorized(errors.New("bad"))}, nil, http.StatusUnauthorized},
		{"unknown subject", "Bearer x", stubTokens{claims: claims(uuid.New(), model.RoleClinician)}, nil, http.StatusUnauthorized},
		{"role mismatch with directory", "Bearer x", stubTokens{claims: claims(doctor.ID, model.RolePatient)}, nil, http.StatusUnauthorized},
		{"authenticated", "Bearer x", stubTokens{claims: claims(doctor.ID, model.RoleClinician)}, nil, http.StatusOK},
		{"role allowed", "bearer x", stubTokens{claims: claims(doctor.ID, model.RoleClinician)}, []model.Role{model.RoleClinician}, http.StatusOK},
		{"role refused", "Bearer x", stubTokens{claims: claims(doctor.ID, model.RoleClinician)}, []model.Role{model.RolePatient}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewAuthMiddleware(tt.tokens, dir)
			r := gin.New()
			chain := []gin.HandlerFunc{mw.Authenticate()}
			if tt.roles != nil {
				chain = append(chain, mw.RequireRole(tt.roles...))
			}
			chain = append(chain, func(c *gin.Context) {
				actor, ok := CurrentActor(c)
				require.True(t, ok)
				assert.Equal(t, doctor.Attributes, actor.Attributes)
				c.Status(http.StatusOK)
			})
			r.GET("/", chain...)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, serve(r, req).Code)
		})
	}
}

func TestCurrentActorMissing(t *testing.T) {
	r := gin.New()
	r.GET("/", func(c *gin.Context) {
		if _, ok := CurrentActor(c); ok {
			c.Status(http.StatusOK)
		}
	})
	assert.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}
