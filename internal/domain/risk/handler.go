package risk

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tiss/tiss/internal/domain/guide"
	"github.com/tiss/tiss/internal/platform/auth"
)

type Handler struct{}

func NewHandler() *Handler { return &Handler{} }

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))
	g.POST("/risk/analyze", h.Analyze)
}

type analyzeRequest struct {
	Guide        guide.Guide `json:"guide"`
	OperatorName string      `json:"operator_name"`
	AutoFix      bool        `json:"auto_fix"`
}

type analyzeResponse struct {
	Risk         Assessment    `json:"risk"`
	FixedGuide   *guide.Guide  `json:"fixed_guide,omitempty"`
	AppliedFixes []FieldChange `json:"applied_fixes,omitempty"`
}

// Analyze scores a guide without persisting anything; with auto_fix the
// response carries the repaired guide and a re-scored assessment.
func (h *Handler) Analyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Guide.GuideNumber == "" && req.Guide.TotalValue == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "guide is required")
	}

	resp := analyzeResponse{Risk: AnalyzeGlosaRisk(&req.Guide, req.OperatorName)}
	if req.AutoFix {
		fixed, changes := AutoFixGuide(&req.Guide)
		if len(changes) > 0 {
			resp.FixedGuide = fixed
			resp.AppliedFixes = changes
			resp.Risk = AnalyzeGlosaRisk(fixed, req.OperatorName)
		}
	}
	return c.JSON(http.StatusOK, resp)
}
