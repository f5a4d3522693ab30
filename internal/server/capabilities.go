package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/querypilot/querypilot/internal/capability"
	"github.com/querypilot/querypilot/internal/runtime"
)

// CapabilitiesHandler exposes the read-only capability catalog.
type CapabilitiesHandler struct {
	Registry *capability.Registry
}

func (h *CapabilitiesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("", h.catalog)
}

// Catalog
//
//	@Summary	List registered capabilities
//	@Tags		capabilities
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{array}	capability.Descriptor
//	@Router		/api/capabilities [get]
func (h *CapabilitiesHandler) catalog(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Registry.Catalog())
}
