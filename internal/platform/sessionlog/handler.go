package sessionlog

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/teleconsult/realtime/pkg/pagination"
)

// Reader lists recorded sessions.
type Reader interface {
	Recent(ctx context.Context, roomID string, page pagination.Params) ([]Session, error)
}

// Handler exposes the session ledger over HTTP.
type Handler struct {
	reader Reader
}

// NewHandler creates a new Handler.
func NewHandler(r Reader) *Handler {
	return &Handler{reader: r}
}

// RegisterRoutes registers the ledger routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/sessions", h.HandleList)
}

// HandleList handles GET /sessions?roomId=&limit=&offset=.
func (h *Handler) HandleList(c echo.Context) error {
	page, err := pagination.FromContext(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	sessions, err := h.reader.Recent(c.Request().Context(), c.QueryParam("roomId"), page)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list sessions"})
	}
	sessions, more := pagination.Page(sessions, page)
	return c.JSON(http.StatusOK, pagination.NewResponse(sessions, page, more))
}
