package importer

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/sessions", h.StartSession)
	g.POST("/sessions/current/validate", h.ValidateSession)
	g.GET("/sessions/current/preview", h.GetPreview)
	g.GET("/sessions/current/preview.xlsx", h.GetPreviewWorkbook)
	g.POST("/sessions/current/confirm", h.ConfirmSession)
	g.GET("/sessions/current/status", h.GetStatus)
	g.GET("/sessions/current/debug", h.GetDebug)
	g.DELETE("/sessions/current", h.CancelSession)

	g.GET("/runs", h.ListRuns)
	g.GET("/inventory", h.GetInventory)
	g.DELETE("/data", h.ClearData)
}

// httpError maps pipeline errors to HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNoSession):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPriorImport), errors.Is(err, ErrPersisting), errors.Is(err, ErrCancelled),
		errors.Is(err, ErrLoading):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotValidated), errors.Is(err, ErrBlocked), errors.Is(err, ErrPreviewOnly),
		errors.Is(err, ErrNoPatientsTable), errors.Is(err, ErrNoPatients):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) StartSession(c echo.Context) error {
	var opts StartOptions
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if opts.Dir == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "dir is required")
	}
	s, err := h.mgr.Start(c.Request().Context(), opts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, s.Status())
}

func (h *Handler) ValidateSession(c echo.Context) error {
	s, err := h.mgr.Current()
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.Validate(c.Request().Context()))
}

func (h *Handler) GetPreview(c echo.Context) error {
	s, err := h.mgr.Current()
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.Preview(c.Request().Context()))
}

func (h *Handler) GetPreviewWorkbook(c echo.Context) error {
	s, err := h.mgr.Current()
	if err != nil {
		return httpError(err)
	}
	var buf bytes.Buffer
	if err := WriteWorkbook(&buf, s.Preview(c.Request().Context())); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="import-preview.xlsx"`)
	return c.Blob(http.StatusOK, xlsxMIME, buf.Bytes())
}

func (h *Handler) ConfirmSession(c echo.Context) error {
	s, err := h.mgr.Current()
	if err != nil {
		return httpError(err)
	}
	res, err := s.Confirm(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetStatus(c echo.Context) error {
	st, err := h.mgr.CurrentStatus()
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetDebug(c echo.Context) error {
	s, err := h.mgr.Current()
	if err != nil {
		return httpError(err)
	}
	data, err := s.Debug()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSONBlob(http.StatusOK, data)
}

func (h *Handler) CancelSession(c echo.Context) error {
	if !h.mgr.Cancel() {
		return httpError(ErrNoSession)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListRuns(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = min(n, 200)
	}
	runs, err := h.mgr.Runs(c.Request().Context(), limit)
	if err != nil {
		return httpError(err)
	}
	if runs == nil {
		runs = []*ImportRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *Handler) GetInventory(c echo.Context) error {
	dir := c.QueryParam("dir")
	if dir == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "dir is required")
	}
	inv, err := h.mgr.Inventory(dir)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ClearData(c echo.Context) error {
	if c.QueryParam("confirm") != "true" {
		return echo.NewHTTPError(http.StatusBadRequest, "confirm=true is required")
	}
	res, err := h.mgr.Clear(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}
