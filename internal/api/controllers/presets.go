package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/presetdl/internal/app"
	"github.com/datallboy/presetdl/internal/broadcast"
	"github.com/datallboy/presetdl/internal/catalog"
	"github.com/datallboy/presetdl/internal/domain"
	"github.com/datallboy/presetdl/internal/engine"
)

// Engine is the part of the download manager the HTTP surface drives.
type Engine interface {
	Submit(ctx context.Context, presetID string, files []domain.FileSpec, force bool) (domain.SubmitResult, error)
	Status(presetID string) (*domain.Status, bool)
	List() []domain.Status
	Pause(presetID string) bool
	Resume(presetID string) bool
	Cancel(presetID string, keepPartial bool) bool
	QueueSnapshot() domain.QueueSnapshot
	Broadcaster() *broadcast.Broadcaster
}

type PresetController struct {
	App    *app.Context
	Engine Engine
}

type downloadRequest struct {
	Files []domain.FileSpec `json:"files"`
	Force bool              `json:"force"`
}

type actionResponse struct {
	PresetID string `json:"preset_id"`
	OK       bool   `json:"ok"`
}

func errorJSON(c *echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

// HandleDownload submits a preset. An empty file list is resolved through
// the catalog.
func (ctrl *PresetController) HandleDownload(c *echo.Context) error {
	id := c.Param("id")

	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if q := c.QueryParam("force"); q != "" {
		force, err := strconv.ParseBool(q)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "force must be a boolean")
		}
		req.Force = req.Force || force
	}

	files := req.Files
	if len(files) == 0 {
		if ctrl.App.Catalog == nil {
			return errorJSON(c, http.StatusBadRequest, "no files given and no catalog configured")
		}
		resolved, err := ctrl.App.Catalog.Resolve(id)
		if errors.Is(err, catalog.ErrUnknownPreset) {
			return errorJSON(c, http.StatusNotFound, err.Error())
		}
		if err != nil {
			return errorJSON(c, http.StatusInternalServerError, err.Error())
		}
		files = resolved
	}

	res, err := ctrl.Engine.Submit(c.Request().Context(), id, files, req.Force)
	if errors.Is(err, engine.ErrInvalidSubmission) {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if err != nil {
		ctrl.App.Logger.Error("Submit %s failed: %v", id, err)
		return errorJSON(c, http.StatusServiceUnavailable, err.Error())
	}

	code := http.StatusOK
	if res.Outcome == domain.Accepted {
		code = http.StatusAccepted
	}
	return c.JSON(code, res)
}

func (ctrl *PresetController) HandleStatus(c *echo.Context) error {
	st, ok := ctrl.Engine.Status(c.Param("id"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, "no download for preset")
	}
	return c.JSON(http.StatusOK, st)
}

func (ctrl *PresetController) HandleList(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.Engine.List())
}

func (ctrl *PresetController) HandlePause(c *echo.Context) error {
	id := c.Param("id")
	return respond(c, id, ctrl.Engine.Pause(id))
}

func (ctrl *PresetController) HandleResume(c *echo.Context) error {
	id := c.Param("id")
	return respond(c, id, ctrl.Engine.Resume(id))
}

func (ctrl *PresetController) HandleCancel(c *echo.Context) error {
	id := c.Param("id")

	keep := false
	if q := c.QueryParam("keep_partial"); q != "" {
		v, err := strconv.ParseBool(q)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "keep_partial must be a boolean")
		}
		keep = v
	}
	return respond(c, id, ctrl.Engine.Cancel(id, keep))
}

// respond reports a control action. A no-op is 409, not an error body.
func respond(c *echo.Context, id string, ok bool) error {
	code := http.StatusOK
	if !ok {
		code = http.StatusConflict
	}
	return c.JSON(code, actionResponse{PresetID: id, OK: ok})
}

func (ctrl *PresetController) HandleQueue(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.Engine.QueueSnapshot())
}

// HandleCatalog lists the preset ids the server can resolve on its own.
func (ctrl *PresetController) HandleCatalog(c *echo.Context) error {
	ids := []string{}
	if ctrl.App.Catalog != nil {
		ids = ctrl.App.Catalog.IDs()
	}
	return c.JSON(http.StatusOK, map[string][]string{"presets": ids})
}
