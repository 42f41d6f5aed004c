package record

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/ehr-access/internal/handler"
	"github.com/jwalitptl/ehr-access/internal/middleware"
	"github.com/jwalitptl/ehr-access/internal/model"
)

// HeaderAccessCode carries a patient's access code. It is kept out of the
// URL so it never lands in access logs.
const HeaderAccessCode = "X-Access-Code"

type Service interface {
	CreateRecord(ctx context.Context, author model.Actor, patientID uuid.UUID, req *model.CreateRecordRequest, accessCode string) (*model.MedicalRecord, error)
	GetRecord(ctx context.Context, requester model.Actor, recordID uuid.UUID, accessCode string) (*model.MedicalRecord, error)
	ListPatientRecords(ctx context.Context, requester model.Actor, patientID uuid.UUID, filters *model.RecordFilters, accessCode string) ([]*model.MedicalRecord, error)
	EncryptRecord(ctx context.Context, actor model.Actor, recordID uuid.UUID) (*model.MedicalRecord, error)
	RemoveEncryption(ctx context.Context, actor model.Actor, recordID uuid.UUID) (*model.MedicalRecord, error)
	ReEncrypt(ctx context.Context, actor model.Actor, recordID uuid.UUID) (*model.MedicalRecord, error)
}

type Handler struct {
	service Service
	auth    *middleware.AuthMiddleware
}

func NewHandler(service Service, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service: service,
		auth:    auth,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	clinician := h.auth.RequireRole(model.RoleClinician)

	patients := r.Group("/patients/:id/records")
	{
		patients.POST("", clinician, h.CreateRecord)
		patients.GET("", h.ListPatientRecords)
	}

	records := r.Group("/records/:id")
	{
		records.GET("", h.GetRecord)
		records.POST("/encryption", clinician, h.EncryptRecord)
		records.PUT("/encryption", clinician, h.ReEncrypt)
		records.DELETE("/encryption", clinician, h.RemoveEncryption)
	}
}

func (h *Handler) CreateRecord(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	patientID, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}
	var req model.CreateRecordRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	record, err := h.service.CreateRecord(c.Request.Context(), actor, patientID, &req, c.GetHeader(HeaderAccessCode))
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(record))
}

func (h *Handler) ListPatientRecords(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	patientID, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}
	var filters model.RecordFilters
	if !handler.BindQuery(c, &filters) {
		return
	}
	filters.Pagination = filters.Pagination.Normalize()

	records, err := h.service.ListPatientRecords(c.Request.Context(), actor, patientID, &filters, c.GetHeader(HeaderAccessCode))
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(records))
}

func (h *Handler) GetRecord(c *gin.Context) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	recordID, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}

	record, err := h.service.GetRecord(c.Request.Context(), actor, recordID, c.GetHeader(HeaderAccessCode))
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(record))
}

type transition func(ctx context.Context, actor model.Actor, recordID uuid.UUID) (*model.MedicalRecord, error)

func (h *Handler) EncryptRecord(c *gin.Context)    { h.transition(c, h.service.EncryptRecord) }
func (h *Handler) ReEncrypt(c *gin.Context)        { h.transition(c, h.service.ReEncrypt) }
func (h *Handler) RemoveEncryption(c *gin.Context) { h.transition(c, h.service.RemoveEncryption) }

func (h *Handler) transition(c *gin.Context, fn transition) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return
	}
	recordID, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}

	record, err := fn(c.Request.Context(), actor, recordID)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(record))
}
