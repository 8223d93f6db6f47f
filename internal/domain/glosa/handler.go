package glosa

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tiss/tiss/internal/platform/auth"
	"github.com/tiss/tiss/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))
	g.GET("/glosas", h.List)
	g.POST("/glosas/:id/dispute", h.Dispute)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{DenialCode: c.QueryParam("denial_code")}
	if gid := c.QueryParam("guide_id"); gid != "" {
		id, err := uuid.Parse(gid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid guide_id")
		}
		f.GuideID = &id
	}
	if rid := c.QueryParam("return_id"); rid != "" {
		id, err := uuid.Parse(rid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid return_id")
		}
		f.ReturnID = &id
	}
	if d := c.QueryParam("disputed"); d != "" {
		disputed := d == "true"
		f.Disputed = &disputed
	}

	clinicID := auth.ClinicFromContext(c.Request().Context())
	items, total, err := h.svc.List(c.Request().Context(), clinicID, f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Dispute(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	g, err := h.svc.Dispute(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, g)
}
