// Package api exposes the bulk ingestion pipeline over HTTP: kick off an
// export, resume a monitored one, and check status, mirroring the thin
// echo.Group wiring the rest of the domain handlers use.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr/internal/ingest"
	"github.com/ehr/ehr/internal/ingest/bulkfhir"
	"github.com/ehr/ehr/internal/ingest/registry"
	"github.com/ehr/ehr/internal/platform/auth"
)

type Handler struct {
	pipeline *ingest.Pipeline
}

func NewHandler(pipeline *ingest.Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	group := api.Group("/ingest", auth.RequireRole("admin"))
	group.POST("/kickoff", h.KickOff)
	group.POST("/resume", h.Resume)
	group.GET("/jobs", h.ListJobs)
	group.GET("/jobs/:id", h.GetJobStatus)
}

type kickOffRequest struct {
	FHIRServerURL string   `json:"fhir_server_url"`
	ResourceTypes []string `json:"resource_types"`
	Since         string   `json:"since"`
}

func (h *Handler) KickOff(c echo.Context) error {
	var req kickOffRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.FHIRServerURL == "" || len(req.ResourceTypes) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "fhir_server_url and resource_types are required")
	}

	result, err := h.pipeline.KickOff(c.Request().Context(), bulkfhir.KickOffRequest{
		FHIRServerURL: req.FHIRServerURL,
		ResourceTypes: req.ResourceTypes,
		Since:         req.Since,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusAccepted, result)
}

type resumeRequest struct {
	StatusURL string `json:"status_url"`
	Bearer    string `json:"bearer,omitempty"`
}

func (h *Handler) Resume(c echo.Context) error {
	var req resumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.StatusURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status_url is required")
	}

	result, err := h.pipeline.Resume(req.StatusURL, req.Bearer)
	if err == registry.ErrAlreadyMonitoring {
		return c.JSON(http.StatusOK, result)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusAccepted, result)
}

func (h *Handler) ListJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.pipeline.List())
}

func (h *Handler) GetJobStatus(c echo.Context) error {
	view, err := h.pipeline.Status(c.Param("id"))
	if err == registry.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, view)
}
