package usage

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/clinscribe/relay/internal/platform/auth"
	"github.com/clinscribe/relay/pkg/pagination"
)

// Handler serves the usage accounting query endpoints. Callers see only
// their own records.
type Handler struct {
	repo     Repository
	verifier auth.Verifier
}

// NewHandler creates the usage query handler.
func NewHandler(repo Repository, verifier auth.Verifier) *Handler {
	return &Handler{repo: repo, verifier: verifier}
}

// RegisterRoutes registers the usage endpoints on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/usage", h.ListOwn)
	g.GET("/usage/sessions/:id", h.ListSession)
}

// ListOwn returns the caller's usage records, newest first.
func (h *Handler) ListOwn(c echo.Context) error {
	ownerID, err := h.authenticate(c)
	if err != nil {
		return err
	}

	p := pagination.FromContext(c)
	recs, total, err := h.repo.ListByOwner(c.Request().Context(), ownerID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list usage records")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, p.Limit, p.Offset))
}

// ListSession returns the records of one session. A session belongs to a
// single owner; requesting another owner's session yields 404 rather than
// revealing its existence.
func (h *Handler) ListSession(c echo.Context) error {
	ownerID, err := h.authenticate(c)
	if err != nil {
		return err
	}

	p := pagination.FromContext(c)
	recs, total, err := h.repo.ListBySession(c.Request().Context(), c.Param("id"), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list usage records")
	}
	if len(recs) > 0 && recs[0].OwnerID != ownerID {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, p.Limit, p.Offset))
}

func (h *Handler) authenticate(c echo.Context) (string, error) {
	token := ""
	if hdr := c.Request().Header.Get("Authorization"); strings.HasPrefix(hdr, "Bearer ") {
		token = strings.TrimPrefix(hdr, "Bearer ")
	}

	ownerID, err := h.verifier.Verify(c.Request().Context(), token)
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			return "", echo.NewHTTPError(http.StatusUnauthorized, authErr.Reason)
		}
		return "", echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
	}
	return ownerID, nil
}
