package batch

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
	g.POST("/batches", h.Create)
	g.GET("/batches", h.List)
	g.GET("/batches/:id", h.Get)
	g.GET("/batches/:id/guides", h.Guides)
	g.POST("/batches/:id/guides", h.AddGuides)
	g.DELETE("/batches/:id/guides/:guideID", h.RemoveGuide)
	g.POST("/batches/:id/validate", h.Validate)
	g.POST("/batches/:id/generate", h.Generate)
	g.POST("/batches/:id/submit", h.Submit)
}

func (h *Handler) Create(c echo.Context) error {
	var b Batch
	if err := c.Bind(&b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b.ClinicID = auth.ClinicFromContext(c.Request().Context())
	if err := h.svc.Create(c.Request().Context(), &b); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	clinicID := auth.ClinicFromContext(c.Request().Context())
	items, total, err := h.svc.List(c.Request().Context(), clinicID, c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Guides(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	guides, err := h.svc.Guides(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, guides)
}

type addGuidesRequest struct {
	GuideIDs []uuid.UUID `json:"guide_ids"`
}

func (h *Handler) AddGuides(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req addGuidesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.GuideIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "guide_ids is required")
	}
	if err := h.svc.AddGuides(c.Request().Context(), id, req.GuideIDs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RemoveGuide(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	guideID, err := uuid.Parse(c.Param("guideID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid guide id")
	}
	if err := h.svc.RemoveGuide(c.Request().Context(), id, guideID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Validate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	findings, err := h.svc.Validate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	b, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   b.Status,
		"findings": findings,
	})
}

func (h *Handler) Generate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.svc.GenerateFile(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.Submit(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}
