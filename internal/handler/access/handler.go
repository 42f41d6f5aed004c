// Package access serves the access ledger: requests, grants, access codes
// and ad-hoc authorization checks.
package access

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/ehr-access/internal/handler"
	"github.com/jwalitptl/ehr-access/internal/middleware"
	"github.com/jwalitptl/ehr-access/internal/model"
	accesssvc "github.com/jwalitptl/ehr-access/internal/service/access"
)

type Handler struct {
	service *accesssvc.Service
	auth    *middleware.AuthMiddleware
}

func NewHandler(service *accesssvc.Service, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service: service,
		auth:    auth,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	clinician := h.auth.RequireRole(model.RoleClinician)
	patient := h.auth.RequireRole(model.RolePatient)

	access := r.Group("/access")
	{
		access.POST("/authorize", clinician, h.Authorize)

		access.POST("/requests", clinician, h.RequestAccess)
		access.GET("/requests", h.ListRequests)
		access.POST("/requests/:id/respond", patient, h.RespondToRequest)

		access.POST("/grants", patient, h.GrantAccess)
		access.GET("/grants", h.ListGrants)
		access.DELETE("/grants/:subjectId", patient, h.RevokeAccess)

		access.GET("/code", patient, h.GetAccessCode)
		access.POST("/code", patient, h.RegenerateAccessCode)
	}
}

func (h *Handler) Authorize(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	var req model.AuthorizeRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	decision, err := h.service.Authorize(c.Request.Context(), actor, req.OwnerID, req.AccessCode)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(decision))
}

func (h *Handler) RequestAccess(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	var req model.CreateAccessRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	result, err := h.service.RequestAccess(c.Request.Context(), actor.ID, req.OwnerID, req.Message, req.Level)
	if err != nil {
		handler.Error(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, handler.NewSuccessResponse(result))
}

type listRequestsQuery struct {
	Status model.RequestStatus `form:"status" binding:"omitempty,oneof=pending approved rejected"`
	model.Pagination
}

// ListRequests shows a patient the requests made to them and a clinician
// the requests they made.
func (h *Handler) ListRequests(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	var q listRequestsQuery
	if !handler.BindQuery(c, &q) {
		return
	}

	filter := model.RequestFilter{Status: q.Status, Pagination: q.Pagination.Normalize()}
	if actor.IsPatient() {
		filter.OwnerID = &actor.ID
	} else {
		filter.SubjectID = &actor.ID
	}

	requests, err := h.service.ListRequests(c.Request.Context(), filter)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(requests))
}

func (h *Handler) RespondToRequest(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	requestID, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}
	var req model.RespondAccessRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	request, grant, err := h.service.RespondToRequest(c.Request.Context(), actor.ID, requestID, req.Approve, req.Message)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"request": request,
		"grant":   grant,
	}))
}

func (h *Handler) GrantAccess(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	var req model.GrantAccessRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	grant, err := h.service.GrantAccess(c.Request.Context(), actor.ID, req.SubjectID, req.Level, req.ExpiryDays)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(grant))
}

type listGrantsQuery struct {
	ActiveOnly bool `form:"active_only"`
	model.Pagination
}

func (h *Handler) ListGrants(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	var q listGrantsQuery
	if !handler.BindQuery(c, &q) {
		return
	}

	filter := model.GrantFilter{ActiveOnly: q.ActiveOnly, Pagination: q.Pagination.Normalize()}
	if actor.IsPatient() {
		filter.OwnerID = &actor.ID
	} else {
		filter.SubjectID = &actor.ID
	}

	grants, err := h.service.ListGrants(c.Request.Context(), filter)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(grants))
}

func (h *Handler) RevokeAccess(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	subjectID, ok := handler.ParamUUID(c, "subjectId")
	if !ok {
		return
	}

	if err := h.service.RevokeAccess(c.Request.Context(), actor.ID, subjectID); err != nil {
		handler.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetAccessCode(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}

	code, err := h.service.GetAccessCode(c.Request.Context(), actor.ID)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(code))
}

func (h *Handler) RegenerateAccessCode(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}

	code, err := h.service.RegenerateAccessCode(c.Request.Context(), actor.ID)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(code))
}
