// Package audit lets patients see who touched their records and access
// ledger.
package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/handler"
	"github.com/jwalitptl/ehr-access/internal/middleware"
	"github.com/jwalitptl/ehr-access/internal/model"
)

// HistorySource lists audit rows about an owner, newest first.
type HistorySource interface {
	History(ctx context.Context, ownerID uuid.UUID, page model.Pagination) ([]*model.AuditLog, error)
}

type Handler struct {
	service HistorySource
	auth    *middleware.AuthMiddleware
}

func NewHandler(service HistorySource, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service: service,
		auth:    auth,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	history := r.Group("/access/history", h.auth.RequireRole(model.RolePatient))
	{
		history.GET("", h.GetHistory)
		history.GET("/export", h.ExportHistory)
	}
}

func (h *Handler) GetHistory(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	var page model.Pagination
	if !handler.BindQuery(c, &page) {
		return
	}

	logs, err := h.service.History(c.Request.Context(), actor.ID, page.Normalize())
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(logs))
}

// ExportHistory streams the most recent history rows as CSV.
func (h *Handler) ExportHistory(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}

	logs, err := h.service.History(c.Request.Context(), actor.ID, model.Pagination{Limit: 200})
	if err != nil {
		handler.Error(c, err)
		return
	}

	filename := fmt.Sprintf("access_history_%s.csv", time.Now().UTC().Format("20060102"))
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename="+filename)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"time", "actor_id", "action", "entity_type", "entity_id"})
	for _, l := range logs {
		_ = w.Write([]string{
			l.CreatedAt.Format(time.RFC3339),
			l.ActorID.String(),
			l.Action,
			l.EntityType,
			l.EntityID.String(),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = c.Error(err)
	}
}
